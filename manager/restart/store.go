/*
 Voxelgrid Fleet, a control plane for running fleets of game server instances.
 Copyright (C) 2025 Voxelgrid contributors

 This program is free software: you can redistribute it and/or modify
 it under the terms of the GNU Affero General Public License as published by
 the Free Software Foundation, either version 3 of the License, or
 (at your option) any later version.

 This program is distributed in the hope that it will be useful,
 but WITHOUT ANY WARRANTY; without even the implied warranty of
 MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 GNU Affero General Public License for more details.

 You should have received a copy of the GNU Affero General Public License
 along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package restart

import (
	"context"
	"fmt"

	"github.com/voxelgrid/fleet/internal/yamlfile"
)

// Store persists the configuration document. the scheduler writes
// through on every successful mutation and rebuilds its live state
// from what Load returns.
type Store interface {
	Load(ctx context.Context) (Document, error)
	Save(ctx context.Context, doc Document) error
}

type FileStore struct {
	path string
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (s *FileStore) Load(_ context.Context) (Document, error) {
	doc, err := yamlfile.Read[Document](s.path)
	if err != nil {
		return Document{}, err
	}

	if err := doc.Validate(); err != nil {
		return Document{}, fmt.Errorf("validate %s: %w", s.path, err)
	}

	return doc, nil
}

func (s *FileStore) Save(_ context.Context, doc Document) error {
	return yamlfile.Write(doc, s.path)
}
