package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTopic_WithPrefix(t *testing.T) {
	assert.Equal(t, "homecast-slot-01", Topic("homecast", "slot-01"))
}

func TestTopic_NoPrefix(t *testing.T) {
	assert.Equal(t, "slot-01", Topic("", "slot-01"))
}

func TestFrameError_Error(t *testing.T) {
	err := &FrameError{Code: ErrAccessoryUnreachable, Message: "no response from bridge"}
	assert.Equal(t, "ACCESSORY_UNREACHABLE: no response from bridge", err.Error())
}
