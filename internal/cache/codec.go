package cache

import (
	"bytes"
	"encoding/gob"
	"net/http"
)

func init() {
	gob.Register(http.Header{})
}

func encodeEntry(entry *Entry) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(entry); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeEntry(raw []byte) (*Entry, error) {
	var entry Entry
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&entry); err != nil {
		return nil, err
	}
	if entry.Header == nil {
		entry.Header = http.Header{}
	}
	return &entry, nil
}
