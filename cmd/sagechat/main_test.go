package main

import (
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadLine_LeavesRestUnread(t *testing.T) {
	r := strings.NewReader("s3cret\r\nwhat is sage?\n/quit\n")

	pw, err := readLine(r)
	require.NoError(t, err)
	assert.Equal(t, "s3cret", pw)

	rest, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "what is sage?\n/quit\n", string(rest))
}

func TestReadLine_NoTrailingNewline(t *testing.T) {
	pw, err := readLine(strings.NewReader("pw"))
	require.NoError(t, err)
	assert.Equal(t, "pw", pw)
}

func TestReadLine_EmptyInput(t *testing.T) {
	_, err := readLine(strings.NewReader(""))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}
