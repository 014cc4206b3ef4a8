package config

import (
	"crypto/rand"
	"fmt"
	"math/big"

	"gopkg.in/yaml.v3"

	"github.com/pgplane/pgplane/pkg/apperrors"
)

// The credentials file is a flat YAML mapping of access key to secret.
// Editing goes through the yaml.v3 node API so hand-written comments
// survive a round trip.

const (
	accessKeyPrefix  = "PGK"
	accessKeyLength  = 20
	secretKeyLength  = 40
	accessKeyLetters = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	secretLetters    = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789+/-_"
)

// GenerateAccessKey returns a new access key identifier.
func GenerateAccessKey() string {
	return accessKeyPrefix + randomString(accessKeyLetters, accessKeyLength-len(accessKeyPrefix))
}

// GenerateSecret returns a new secret key.
func GenerateSecret() string {
	return randomString(secretLetters, secretKeyLength)
}

func randomString(letters string, length int) string {
	out := make([]byte, length)
	max := big.NewInt(int64(len(letters)))
	for i := range out {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			panic(fmt.Sprintf("crypto/rand failed: %v", err))
		}
		out[i] = letters[n.Int64()]
	}
	return string(out)
}

// AppendCredentials adds an access-key/secret pair to the credentials
// document, preserving existing entries and their comments verbatim.
// Accepts an empty document.
func AppendCredentials(src []byte, accessKey, secretKey, comment string) ([]byte, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(src, &doc); err != nil {
		return nil, apperrors.WrapKnown(err, "bad credentials file")
	}

	var mapping *yaml.Node
	switch {
	case doc.Kind == 0 || len(doc.Content) == 0:
		// Empty document.
		mapping = &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
		doc = yaml.Node{Kind: yaml.DocumentNode, Content: []*yaml.Node{mapping}}
	case doc.Content[0].Kind == yaml.MappingNode:
		mapping = doc.Content[0]
	default:
		return nil, apperrors.NewKnown("credentials file is not a mapping")
	}

	for i := 0; i < len(mapping.Content); i += 2 {
		if mapping.Content[i].Value == accessKey {
			return nil, apperrors.NewKnown("access key %s already present", accessKey)
		}
	}

	keyNode := &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: accessKey}
	if comment != "" {
		keyNode.HeadComment = comment
	}
	valNode := &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: secretKey}
	mapping.Content = append(mapping.Content, keyNode, valNode)

	return yaml.Marshal(&doc)
}

// ParseCredentials decodes the credentials document into a plain map.
func ParseCredentials(src []byte) (map[string]string, error) {
	creds := map[string]string{}
	if err := yaml.Unmarshal(src, &creds); err != nil {
		return nil, apperrors.WrapKnown(err, "bad credentials file")
	}
	return creds, nil
}
