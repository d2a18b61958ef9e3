package journal

// ============================================================================
// 校驗和計算
// 職責：計算與驗證 journal 記錄的 CRC32 校驗和
// ============================================================================

import (
	"encoding/binary"
	"encoding/json"
	"hash/crc32"

	"github.com/ChuLiYu/hotpool/pkg/types"
)

// CalculateChecksum 以 seq（big endian）+ event 的 JSON 編碼計算 CRC32-IEEE
//
// 不包含 Timestamp：寫入時間不屬於事件內容
func CalculateChecksum(seq uint64, event types.ChangeEvent) (uint32, error) {
	body, err := json.Marshal(event)
	if err != nil {
		return 0, err
	}
	var prefix [8]byte
	binary.BigEndian.PutUint64(prefix[:], seq)

	h := crc32.NewIEEE()
	h.Write(prefix[:])
	h.Write(body)
	return h.Sum32(), nil
}

// VerifyChecksum 驗證記錄的校驗和
func VerifyChecksum(rec Record) error {
	expected, err := CalculateChecksum(rec.Seq, rec.Event)
	if err != nil {
		return err
	}
	if rec.Checksum != expected {
		return &ChecksumError{Seq: rec.Seq, Expected: expected, Actual: rec.Checksum}
	}
	return nil
}
