package provider

import (
	"strings"

	"github.com/davidahmann/anchord/pkg/types"
)

func testRecord() types.AnchorRecord {
	return types.AnchorRecord{
		DocumentID:      "doc-1",
		PostType:        "post",
		HashAlgorithm:   "sha256",
		HashValue:       strings.Repeat("ab", 32),
		AuthorID:        "7",
		CreatedAt:       "2026-10-18T12:00:00Z",
		ProducerVersion: "test",
		IntegrityMode:   types.IntegrityModeStandard,
	}
}

var testRecordJSON = []byte(`{"document_id":"doc-1","hash_value":"abab"}`)
