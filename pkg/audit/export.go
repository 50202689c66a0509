package audit

import (
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// ExportChain serializes a workflow's audit records as RFC 8785
// canonical JSON, one record per line. External verifiers re-derive
// the hash chain from this form without depending on our internal
// canonicalization.
func (t *Trail) ExportChain(tenantID, workflowID string) ([]byte, error) {
	valid, detail, err := t.VerifyChain(tenantID, workflowID)
	if err != nil {
		return nil, err
	}
	if !valid {
		return nil, fmt.Errorf("audit: refusing to export broken chain: %s", detail)
	}

	records, err := t.ListRecords(tenantID, workflowID)
	if err != nil {
		return nil, err
	}

	var out []byte
	for _, record := range records {
		raw, err := json.Marshal(record.ToMap())
		if err != nil {
			return nil, err
		}
		canonical, err := jcs.Transform(raw)
		if err != nil {
			return nil, fmt.Errorf("audit: canonicalize record %s: %w", record.RecordID, err)
		}
		out = append(out, canonical...)
		out = append(out, '\n')
	}
	return out, nil
}
