package sender

import (
	"bytes"
	"encoding/base64"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"citewatch/internal/types"
)

func TestBuildMessage(t *testing.T) {
	page := bytes.Repeat([]byte("<html>citations</html>"), 20)
	env := types.Envelope{
		Subject:    "Paper Citations: 700",
		Body:       "Current citations: 700\nScreenshot URL: http://h:8080/citations/screenshots/a.html",
		Recipients: []string{"a@example.com", "b@example.com"},
		Attachments: []types.Attachment{{
			Filename:  "2026-10-18_09-00-00_700.html",
			MediaType: "text",
			SubType:   "html",
			Data:      page,
		}},
	}
	date := time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)

	raw, err := buildMessage("me@example.com", env, date)
	require.NoError(t, err)

	msg, err := mail.ReadMessage(bytes.NewReader(raw))
	require.NoError(t, err)
	assert.Equal(t, "me@example.com", msg.Header.Get("From"))
	assert.Equal(t, "a@example.com, b@example.com", msg.Header.Get("To"))
	assert.Equal(t, "Paper Citations: 700", msg.Header.Get("Subject"))
	gotDate, err := msg.Header.Date()
	require.NoError(t, err)
	assert.True(t, gotDate.Equal(date))

	mediaType, params, err := mime.ParseMediaType(msg.Header.Get("Content-Type"))
	require.NoError(t, err)
	assert.Equal(t, "multipart/mixed", mediaType)

	mr := multipart.NewReader(msg.Body, params["boundary"])

	text, err := mr.NextRawPart()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(text.Header.Get("Content-Type"), "text/plain"))
	body, err := io.ReadAll(quotedprintable.NewReader(text))
	require.NoError(t, err)
	assert.Equal(t, env.Body, strings.ReplaceAll(string(body), "\r\n", "\n"))

	att, err := mr.NextRawPart()
	require.NoError(t, err)
	assert.Equal(t, "2026-10-18_09-00-00_700.html", att.FileName())
	encoded, err := io.ReadAll(att)
	require.NoError(t, err)
	for _, line := range strings.Split(strings.TrimSpace(string(encoded)), "\r\n") {
		assert.LessOrEqual(t, len(line), 76)
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(string(encoded), "\r\n", ""))
	require.NoError(t, err)
	assert.Equal(t, page, decoded)

	_, err = mr.NextRawPart()
	assert.Equal(t, io.EOF, err)
}

func TestBuildMessage_EncodesNonASCIISubject(t *testing.T) {
	raw, err := buildMessage("me@example.com", types.Envelope{Subject: "논문 Citations: 5"}, time.Now())
	require.NoError(t, err)

	msg, err := mail.ReadMessage(bytes.NewReader(raw))
	require.NoError(t, err)
	assert.Contains(t, msg.Header.Get("Subject"), "=?utf-8?q?")

	dec := new(mime.WordDecoder)
	subject, err := dec.DecodeHeader(msg.Header.Get("Subject"))
	require.NoError(t, err)
	assert.Equal(t, "논문 Citations: 5", subject)
}
