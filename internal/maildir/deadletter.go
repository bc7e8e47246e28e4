package maildir

import "encoding/json"

func (d DeadLetter) toJSON() ([]byte, error) {
	return json.Marshal(d)
}

func deadLetterFromJSON(data []byte) (*DeadLetter, error) {
	var dl DeadLetter
	if err := json.Unmarshal(data, &dl); err != nil {
		return nil, err
	}
	return &dl, nil
}
