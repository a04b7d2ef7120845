package observability

import "go.opentelemetry.io/otel/attribute"

// Attribute keys.
const (
	AttrRecordID  = "scanship.record_id"
	AttrSessionID = "scanship.session_id"
	AttrOutcome   = "scanship.outcome"
	AttrSubmitted = "scanship.submitted"
)

// RecordAttr returns the record ID attribute.
func RecordAttr(id string) attribute.KeyValue {
	return attribute.String(AttrRecordID, id)
}

// SessionAttr returns the session ID attribute.
func SessionAttr(id string) attribute.KeyValue {
	return attribute.String(AttrSessionID, id)
}
