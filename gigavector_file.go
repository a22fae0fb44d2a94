package gigavector

import (
	"io"
	"os"

	"github.com/gigavector/gigavector/pkg/errs"
)

// saveToFile creates (or truncates) path and streams save through it,
// closing the file even on error. Matches pkg/server's Saver contract,
// where the SAVE message carries an optional destination path.
func saveToFile(path string, save func(io.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return errs.Wrap(errs.KindIO, "gigavector.saveToFile", err)
	}
	defer f.Close()
	if err := save(f); err != nil {
		return err
	}
	return f.Close()
}

// Load replaces db's contents with the snapshot stored at path.
func (db *DB) Load(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return errs.Wrap(errs.KindIO, "gigavector.DB.Load", err)
	}
	defer f.Close()
	return db.LoadFrom(f)
}
