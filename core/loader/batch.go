package loader

import "encoding/json"

// Batch is one framed unit on a load stream.
type Batch struct {
	Pairs map[string]string `json:"pairs"`
}

func encodeBatch(pairs map[string]string) ([]byte, error) {
	return json.Marshal(Batch{Pairs: pairs})
}

func decodeBatch(data []byte) (map[string]string, error) {
	var b Batch
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, err
	}
	return b.Pairs, nil
}
