package registry

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/bionicdonkey/AndroidMulti/fleet/types"
)

// snapshot is the persisted form of the registry: instance name -> record.
type snapshot map[string]types.InstanceRecord

func encodeSnapshot(records map[string]*types.InstanceRecord) ([]byte, error) {
	snap := make(snapshot, len(records))
	for name, rec := range records {
		snap[name] = *rec
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal state: %w", err)
	}
	return data, nil
}

// decodeSnapshot decodes entries one by one so that a single malformed entry
// does not prevent the others from loading. Unknown fields are ignored and
// missing ones keep their zero value.
func decodeSnapshot(data []byte) (map[string]*types.InstanceRecord, []error, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, nil, fmt.Errorf("failed to unmarshal state: %w", err)
	}

	records := make(map[string]*types.InstanceRecord, len(raw))
	var skipped []error
	for name, entry := range raw {
		if name == "" {
			skipped = append(skipped, fmt.Errorf("entry with empty name"))
			continue
		}
		var rec types.InstanceRecord
		// A record without a state field is treated as stopped.
		rec.State = types.StateStopped
		if err := json.Unmarshal(entry, &rec); err != nil {
			skipped = append(skipped, fmt.Errorf("entry %q: %w", name, err))
			continue
		}
		rec.Name = name
		records[name] = &rec
	}
	return records, skipped, nil
}

// assignMissingSeq gives records persisted without a sequence number one
// that follows every known sequence, ordered by creation time then name.
func assignMissingSeq(records map[string]*types.InstanceRecord) uint64 {
	var maxSeq uint64
	var missing []*types.InstanceRecord
	for _, rec := range records {
		if rec.Seq == 0 {
			missing = append(missing, rec)
			continue
		}
		if rec.Seq > maxSeq {
			maxSeq = rec.Seq
		}
	}
	sort.Slice(missing, func(i, j int) bool {
		if !missing[i].CreatedAt.Equal(missing[j].CreatedAt) {
			return missing[i].CreatedAt.Before(missing[j].CreatedAt)
		}
		return missing[i].Name < missing[j].Name
	})
	for _, rec := range missing {
		maxSeq++
		rec.Seq = maxSeq
	}
	return maxSeq
}
