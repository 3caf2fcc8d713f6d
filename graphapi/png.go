package graphapi

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

var pngSignature = []byte{137, 80, 78, 71, 13, 10, 26, 10}

// workflowKeyword is the tEXt keyword the editor writes exported canvas
// state under when a generated image is downloaded.
const workflowKeyword = "workflow"

// extractWorkflowJSON scans a PNG stream for the tEXt chunk carrying the
// embedded workflow and returns its JSON payload.  Chunks of other types
// and tEXt chunks under other keywords are skipped; the scan stops at the
// first match, so the image data itself is never read.  CRCs are not
// verified, the JSON decode catches a corrupt payload anyway.
func extractWorkflowJSON(r io.Reader) (string, error) {
	sig := make([]byte, len(pngSignature))
	if _, err := io.ReadFull(r, sig); err != nil {
		return "", err
	}
	if !bytes.Equal(sig, pngSignature) {
		return "", errors.New("not a valid PNG stream")
	}

	var header struct {
		Length uint32
		Type   [4]byte
	}
	for {
		if err := binary.Read(r, binary.BigEndian, &header); err != nil {
			if err == io.EOF || errors.Is(err, io.ErrUnexpectedEOF) {
				return "", fmt.Errorf("png carries no %q metadata", workflowKeyword)
			}
			return "", err
		}

		if string(header.Type[:]) != "tEXt" {
			// chunk data plus CRC
			if _, err := io.CopyN(io.Discard, r, int64(header.Length)+4); err != nil {
				return "", err
			}
			continue
		}

		data := make([]byte, header.Length)
		if _, err := io.ReadFull(r, data); err != nil {
			return "", err
		}
		keyword, payload, ok := bytes.Cut(data, []byte{0})
		if !ok {
			return "", errors.New("malformed tEXt chunk")
		}
		if string(keyword) == workflowKeyword {
			return string(payload), nil
		}
		if _, err := io.CopyN(io.Discard, r, 4); err != nil {
			return "", err
		}
	}
}
