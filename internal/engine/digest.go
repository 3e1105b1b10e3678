package engine

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"unicode/utf8"
)

const defaultDigestChars = 1200

// Digest is the compact form in which a dependency's output enters a
// dependent task's prompt.
type Digest struct {
	Task      string `json:"task"`
	Bytes     int    `json:"bytes"`
	SHA256    string `json:"sha256"`
	Preview   string `json:"preview"`
	Truncated bool   `json:"truncated,omitempty"`
}

// NewDigest summarizes output, keeping at most maxChars runes of its compact
// JSON form.
func NewDigest(task string, output json.RawMessage, maxChars int) Digest {
	if maxChars <= 0 {
		maxChars = defaultDigestChars
	}
	sum := sha256.Sum256(output)

	var buf bytes.Buffer
	text := string(output)
	if err := json.Compact(&buf, output); err == nil {
		text = buf.String()
	}

	d := Digest{
		Task:    task,
		Bytes:   len(output),
		SHA256:  hex.EncodeToString(sum[:]),
		Preview: text,
	}
	if utf8.RuneCountInString(text) > maxChars {
		d.Preview = string([]rune(text)[:maxChars])
		d.Truncated = true
	}
	return d
}
