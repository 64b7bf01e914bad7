package notify

import "encoding/json"

// Event is one mutation notification: the serialized counter snapshot plus
// ordered correlation properties. It is built right after a successful store
// write and discarded once delivered.
type Event struct {
	Body       []byte
	Properties []Property
}

// Property is one correlation key/value pair. Properties keep their insertion
// order all the way onto the transport message.
type Property struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

func (e Event) empty() bool {
	return len(e.Body) == 0 && len(e.Properties) == 0
}

// EncodeProperties serializes the ordered property list for storage in an
// outbox row.
func EncodeProperties(props []Property) ([]byte, error) {
	if props == nil {
		props = []Property{}
	}
	return json.Marshal(props)
}

func DecodeProperties(raw []byte) ([]Property, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var props []Property
	if err := json.Unmarshal(raw, &props); err != nil {
		return nil, err
	}
	return props, nil
}
