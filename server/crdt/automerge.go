// Copyright (C) 2024 Inkwell Labs.
// See LICENSE for copying information.

package crdt

import (
	"github.com/automerge/automerge-go"
)

// contentKey is the root map key clients store the document text under.
const contentKey = "content"

// ensures that automergeEngine implements Engine.
var _ Engine = automergeEngine{}

// automergeEngine implements Engine on the automerge library. All automerge
// specifics stay inside this file.
type automergeEngine struct{}

// NewAutomergeEngine returns the production document engine.
func NewAutomergeEngine() Engine {
	return automergeEngine{}
}

// New returns an empty document.
func (automergeEngine) New() Document {
	return &automergeDoc{doc: automerge.New()}
}

// Load restores a document from a compacted state blob.
func (automergeEngine) Load(state []byte) (Document, error) {
	doc, err := automerge.Load(state)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return &automergeDoc{doc: doc}, nil
}

type automergeDoc struct {
	doc *automerge.Doc
}

// ApplyUpdate merges one opaque update blob into the document.
func (d *automergeDoc) ApplyUpdate(blob []byte) error {
	if err := d.doc.LoadIncremental(blob); err != nil {
		return Error.Wrap(err)
	}
	return nil
}

// Save returns the compacted state of the document.
func (d *automergeDoc) Save() ([]byte, error) {
	return d.doc.Save(), nil
}

// Text returns the text stored under the content key, empty when absent or
// not a text object.
func (d *automergeDoc) Text() string {
	value, err := d.doc.Path(contentKey).Get()
	if err != nil || value.Kind() != automerge.KindText {
		return ""
	}
	text, err := value.Text().Get()
	if err != nil {
		return ""
	}
	return text
}
