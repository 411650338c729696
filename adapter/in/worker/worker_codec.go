package worker

import "github.com/goccy/go-json"

func unmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}
