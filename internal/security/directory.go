package security

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Directory maps user ids to grants loaded from a YAML file:
//
//	users:
//	  admin:
//	    docPermissions: true
//	  reader:
//	    docPermissions:
//	      tree:
//	        select: true
type Directory struct {
	grants map[string]Grant
}

type directoryFile struct {
	Users map[string]struct {
		DocPermissions any `yaml:"docPermissions"`
	} `yaml:"users"`
}

// LoadDirectory reads and parses a grant directory file.
func LoadDirectory(path string) (*Directory, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read permissions file: %w", err)
	}
	return ParseDirectory(b)
}

// ParseDirectory parses YAML directory content.
func ParseDirectory(b []byte) (*Directory, error) {
	var f directoryFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("decode permissions file: %w", err)
	}
	d := &Directory{grants: make(map[string]Grant, len(f.Users))}
	for userID, entry := range f.Users {
		g, err := ParseGrant(entry.DocPermissions)
		if err != nil {
			return nil, fmt.Errorf("user %s: %w", userID, err)
		}
		d.grants[userID] = g
	}
	return d, nil
}

// Lookup returns the grant for userID. Unknown users get an empty grant.
func (d *Directory) Lookup(userID string) (Grant, bool) {
	if d == nil {
		return PerType{}, false
	}
	g, ok := d.grants[userID]
	if !ok {
		return PerType{}, false
	}
	return g, true
}
