package agenterr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCode(t *testing.T) {
	assert.Equal(t, int32(0), Code(nil))
	assert.Equal(t, int32(-1), Code(errors.New("plain")))
	assert.Equal(t, int32(-274), Code(ErrSocket))

	wrapped := fmt.Errorf("opening channel: %w", Wrap(ErrSocket, "bind %s", "0.0.0.0:10020"))
	assert.Equal(t, int32(-274), Code(wrapped))
	assert.Equal(t, KindSocket, KindOf(wrapped))
	assert.ErrorIs(t, wrapped, ErrSocket)
	assert.NotErrorIs(t, wrapped, ErrProtocol)
}

func TestIsMatchesByCode(t *testing.T) {
	other := &Error{Kind: KindNameConflict, Code: -270, Msg: "svc"}
	assert.True(t, errors.Is(other, ErrNameConflict))
	assert.Equal(t, "name_conflict", KindOf(other).String())
}
