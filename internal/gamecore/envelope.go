package gamecore

import "encoding/json"

func marshalEnvelope(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}
