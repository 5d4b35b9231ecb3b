package catalog

import (
	"fmt"
)

const (
	MACHINE_KEY  = "machine-%s"
	NAME_KEY     = "name-%s"
	SETTINGS_KEY = "settings-%s"

	MACHINE_PREFIX = "machine-"
)

// the id is a machine uuid
// and the content is the json encoded entry
func keyMachine(id string) []byte {
	return []byte(fmt.Sprintf(MACHINE_KEY, id))
}

// the name is a machine name
// and the content is the machine uuid
func keyName(name string) []byte {
	return []byte(fmt.Sprintf(NAME_KEY, name))
}

// the path is an absolute settings file path
// and the content is the machine uuid
func keySettings(path string) []byte {
	return []byte(fmt.Sprintf(SETTINGS_KEY, path))
}

func prefixMachine() []byte {
	return []byte(MACHINE_PREFIX)
}
