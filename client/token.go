package client

import (
	"encoding/json"
	"os"
)

// tokenFile is the persisted session token, a JSON object {"token": "..."}
// in the agent's working directory.
type tokenFile struct {
	Token string `json:"token"`
}

// LoadToken reads the persisted session token. A missing file is an error;
// callers treat any error as "no token".
func LoadToken(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	var tf tokenFile
	if err := json.Unmarshal(b, &tf); err != nil {
		return "", err
	}
	return tf.Token, nil
}

// SaveToken persists the session token for subsequent runs.
func SaveToken(path, token string) error {
	b, err := json.Marshal(tokenFile{Token: token})
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o600)
}
