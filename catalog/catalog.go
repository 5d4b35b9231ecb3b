// Package catalog remembers the machines a manager has seen, so that a
// machine can be found again by name after it was unregistered.
package catalog

import (
	"encoding/json"
	"time"

	"github.com/golang/glog"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

var ErrNotFound = leveldb.ErrNotFound

type Entry struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	SettingsFile string    `json:"settingsFile"`
	LastSeen     time.Time `json:"lastSeen"`
}

type Catalog struct {
	db *leveldb.DB
}

func Open(path string) (*Catalog, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		glog.Errorf("open leveldb file failed, %s", err.Error())
		return nil, err
	}
	return &Catalog{db: db}, nil
}

func (c *Catalog) Close() error {
	return c.db.Close()
}

// dropIndex deletes an index key unless another machine took it over.
func (c *Catalog) dropIndex(batch *leveldb.Batch, key []byte, id string) (bool, error) {
	owner, err := c.db.Get(key, nil)
	if err == ErrNotFound {
		return false, nil
	} else if err != nil {
		return false, err
	}
	if string(owner) != id {
		return false, nil
	}
	batch.Delete(key)
	return true, nil
}

// Record stores e, replacing the index entries of a previous record with
// the same id. Names and settings files index the last machine recorded
// with them.
func (c *Catalog) Record(e *Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}

	batch := new(leveldb.Batch)
	if old, err := c.Get(e.ID); err == nil {
		if old.Name != e.Name {
			if _, err := c.dropIndex(batch, keyName(old.Name), e.ID); err != nil {
				return err
			}
		}
		if old.SettingsFile != "" && old.SettingsFile != e.SettingsFile {
			if _, err := c.dropIndex(batch, keySettings(old.SettingsFile), e.ID); err != nil {
				return err
			}
		}
	} else if err != ErrNotFound {
		return err
	}
	batch.Put(keyMachine(e.ID), data)
	batch.Put(keyName(e.Name), []byte(e.ID))
	if e.SettingsFile != "" {
		batch.Put(keySettings(e.SettingsFile), []byte(e.ID))
	}
	glog.V(3).Infof("record machine %s (%s) at %s", e.Name, e.ID, e.SettingsFile)
	return c.db.Write(batch, nil)
}

func (c *Catalog) Get(id string) (*Entry, error) {
	data, err := c.db.Get(keyMachine(id), nil)
	if err != nil {
		return nil, err
	}
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// Lookup finds an entry by machine name.
func (c *Catalog) Lookup(name string) (*Entry, error) {
	id, err := c.db.Get(keyName(name), nil)
	if err != nil {
		return nil, err
	}
	return c.Get(string(id))
}

// LookupSettings finds an entry by settings file path.
func (c *Catalog) LookupSettings(path string) (*Entry, error) {
	id, err := c.db.Get(keySettings(path), nil)
	if err != nil {
		return nil, err
	}
	return c.Get(string(id))
}

func (c *Catalog) Forget(id string) error {
	e, err := c.Get(id)
	if err == ErrNotFound {
		return nil
	} else if err != nil {
		return err
	}
	batch := new(leveldb.Batch)
	batch.Delete(keyMachine(id))
	dropped, err := c.dropIndex(batch, keyName(e.Name), id)
	if err != nil {
		return err
	}
	if dropped {
		// hand the name to another machine recorded with it
		all, err := c.List()
		if err != nil {
			return err
		}
		for _, o := range all {
			if o.ID != id && o.Name == e.Name {
				batch.Put(keyName(o.Name), []byte(o.ID))
				break
			}
		}
	}
	if e.SettingsFile != "" {
		if _, err := c.dropIndex(batch, keySettings(e.SettingsFile), id); err != nil {
			return err
		}
	}
	return c.db.Write(batch, nil)
}

func (c *Catalog) List() ([]*Entry, error) {
	var results []*Entry
	iter := c.db.NewIterator(util.BytesPrefix(prefixMachine()), nil)
	for iter.Next() {
		var e Entry
		if err := json.Unmarshal(iter.Value(), &e); err != nil {
			glog.Warningf("skip corrupted catalog entry %s: %v", string(iter.Key()), err)
			continue
		}
		results = append(results, &e)
	}
	iter.Release()
	err := iter.Error()
	return results, err
}
