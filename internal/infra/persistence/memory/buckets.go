package memory

import (
	"encoding/json"
	"fmt"
)

// Buckets names the snapshot sections the sql-backed stores persist, one row
// each.
var Buckets = []string{"blocs", "cycles", "operations", "work_packages", "line_items", "revenue"}

// EncodeBuckets marshals every snapshot section to JSON keyed by bucket name.
func (s Snapshot) EncodeBuckets() (map[string][]byte, error) {
	out := make(map[string][]byte, len(Buckets))
	for _, bucket := range Buckets {
		var (
			data []byte
			err  error
		)
		switch bucket {
		case "blocs":
			data, err = json.Marshal(s.Blocs)
		case "cycles":
			data, err = json.Marshal(s.Cycles)
		case "operations":
			data, err = json.Marshal(s.Operations)
		case "work_packages":
			data, err = json.Marshal(s.WorkPackages)
		case "line_items":
			data, err = json.Marshal(s.LineItems)
		case "revenue":
			data, err = json.Marshal(s.Revenue)
		}
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", bucket, err)
		}
		out[bucket] = data
	}
	return out, nil
}

// DecodeBucket unmarshals one persisted section into s. Unknown buckets are
// ignored so older tables keep loading.
func (s *Snapshot) DecodeBucket(bucket string, payload []byte) error {
	var target any
	switch bucket {
	case "blocs":
		target = &s.Blocs
	case "cycles":
		target = &s.Cycles
	case "operations":
		target = &s.Operations
	case "work_packages":
		target = &s.WorkPackages
	case "line_items":
		target = &s.LineItems
	case "revenue":
		target = &s.Revenue
	default:
		return nil
	}
	if err := json.Unmarshal(payload, target); err != nil {
		return fmt.Errorf("decode %s: %w", bucket, err)
	}
	return nil
}
