package utils

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// roomCodeAlphabet is the 36-symbol alphabet room codes are drawn from.
const roomCodeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

const RoomCodeLength = 8

func GenerateRandomID() string {
	b := make([]byte, 8)
	rand.Read(b)
	return hex.EncodeToString(b)
}

// GenerateRoomCode returns a fresh 8-character room code. Uniqueness is not
// guaranteed; a collision just means two parties share a room, which is the
// join-by-code semantics anyway.
func GenerateRoomCode() string {
	b := make([]byte, RoomCodeLength)
	rand.Read(b)
	out := make([]byte, RoomCodeLength)
	for i, v := range b {
		out[i] = roomCodeAlphabet[int(v)%len(roomCodeAlphabet)]
	}
	return string(out)
}

func FormatPrettyTime(unixMicro int64) string {
	t := time.UnixMicro(unixMicro)
	now := time.Now()
	year, month, day := t.Date()
	nowYear, nowMonth, nowDay := now.Date()

	timePart := t.Format("15:04")

	if year == nowYear && month == nowMonth && day == nowDay {
		return fmt.Sprintf("Today %s", timePart)
	}

	yesterday := now.AddDate(0, 0, -1)
	if year == yesterday.Year() && month == yesterday.Month() && day == yesterday.Day() {
		return fmt.Sprintf("Yesterday %s", timePart)
	}

	if year == nowYear {
		return fmt.Sprintf("%s %d %s", t.Format("Jan"), day, timePart)
	}

	return fmt.Sprintf("%d %s %02d %s", year, t.Format("Jan"), day, timePart)
}
