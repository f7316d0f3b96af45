package utils

import (
	"github.com/lithammer/shortuuid/v3"
)

const (
	RoomPrefix     = "R-"
	PeerPrefix     = "P-"
	ConsumerPrefix = "C-"
)

func NewGuid(prefix string) string {
	return prefix + shortuuid.New()
}
