package session

import (
	"fmt"
	"regexp"
)

// docTypePattern constrains document types to lowercase slugs so the room
// key parses unambiguously between tenant and document IDs.
var docTypePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// RoomID derives the room key for one shared document:
// {tenantId}-{documentType}-{documentId}. The derivation is deterministic,
// so every client of the same document lands on the same key.
func RoomID(tenantID, docType, docID string) (string, error) {
	if tenantID == "" || docType == "" || docID == "" {
		return "", fmt.Errorf("room key needs tenant, document type and document id")
	}
	if !docTypePattern.MatchString(docType) {
		return "", fmt.Errorf("invalid document type %q", docType)
	}
	return tenantID + "-" + docType + "-" + docID, nil
}
