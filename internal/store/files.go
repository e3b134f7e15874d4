package store

import (
	"context"
	"fmt"
	"mime"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/markconroy/markie-sub000/internal/model"
	"github.com/markconroy/markie-sub000/internal/provider"
)

// schemes maps stream wrapper schemes onto subdirectories of the files root.
var schemes = map[string]string{
	"public":  "public",
	"private": "private",
}

// FileMeta is the file metadata part of Store.
type FileMeta interface {
	InsertFile(ctx context.Context, f model.File) (*model.File, error)
	GetFile(ctx context.Context, id string) (*model.File, error)
	FileExists(ctx context.Context, uri string) (bool, error)
}

// Files stores file bytes under a local root and their metadata in a
// FileMeta. URIs look like public://dir/name.ext.
type Files struct {
	meta    FileMeta
	root    string
	baseURL string
}

// NewFiles creates a Files rooted at root. baseURL prefixes public URLs.
func NewFiles(meta FileMeta, root, baseURL string) *Files {
	return &Files{meta: meta, root: root, baseURL: strings.TrimRight(baseURL, "/")}
}

// LocalPath resolves a URI to a path under the files root.
func (f *Files) LocalPath(uri string) (string, error) {
	scheme, rest, ok := strings.Cut(uri, "://")
	if !ok {
		return "", eris.Errorf("files: %q has no scheme", uri)
	}
	sub, ok := schemes[scheme]
	if !ok {
		return "", eris.Errorf("files: unknown scheme %q", scheme)
	}
	clean := path.Clean("/" + rest)
	return filepath.Join(f.root, sub, filepath.FromSlash(clean)), nil
}

// File returns the metadata of a stored file.
func (f *Files) File(ctx context.Context, id string) (*model.File, error) {
	return f.meta.GetFile(ctx, id)
}

// LoadFile reads the bytes behind a URI.
func (f *Files) LoadFile(_ context.Context, uri string) ([]byte, error) {
	p, err := f.LocalPath(uri)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, eris.Wrapf(err, "files: read %s", uri)
	}
	return data, nil
}

// SaveFile writes data into dir. An existing name is kept and the new file
// renamed name_0.ext, name_1.ext and so on.
func (f *Files) SaveFile(ctx context.Context, dir, filename string, data []byte, owner string) (*model.File, error) {
	localDir, err := f.LocalPath(dir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(localDir, 0o750); err != nil {
		return nil, eris.Wrapf(err, "files: create %s", dir)
	}

	name, err := f.freeName(ctx, dir, localDir, filename)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(localDir, name), data, 0o640); err != nil {
		return nil, eris.Wrapf(err, "files: write %s", joinURI(dir, name))
	}

	file, err := f.meta.InsertFile(ctx, model.File{
		URI:      joinURI(dir, name),
		Filename: name,
		Mime:     detectMime(name, data),
		Size:     int64(len(data)),
		Owner:    owner,
	})
	if err != nil {
		return nil, err
	}
	zap.L().Debug("files: saved", zap.String("uri", file.URI), zap.Int64("size", file.Size))
	return file, nil
}

func (f *Files) freeName(ctx context.Context, dir, localDir, filename string) (string, error) {
	ext := path.Ext(filename)
	base := strings.TrimSuffix(filename, ext)
	name := filename
	for i := 0; ; i++ {
		taken, err := f.meta.FileExists(ctx, joinURI(dir, name))
		if err != nil {
			return "", err
		}
		if !taken {
			if _, err := os.Stat(filepath.Join(localDir, name)); os.IsNotExist(err) {
				return name, nil
			}
		}
		name = fmt.Sprintf("%s_%d%s", base, i, ext)
	}
}

func joinURI(dir, name string) string {
	if strings.HasSuffix(dir, "://") {
		return dir + name
	}
	return strings.TrimRight(dir, "/") + "/" + name
}

// URL returns the public address of a file.
func (f *Files) URL(file *model.File) string {
	scheme, rest, ok := strings.Cut(file.URI, "://")
	if !ok {
		return f.baseURL + "/" + strings.TrimLeft(file.URI, "/")
	}
	return f.baseURL + "/" + schemes[scheme] + "/" + rest
}

// LoadImage loads the image an image field item references.
func (f *Files) LoadImage(ctx context.Context, item model.Item) (provider.Binary, error) {
	id := item.String("target_id")
	if id == "" {
		return provider.Binary{}, eris.New("files: image item without target_id")
	}
	file, err := f.File(ctx, id)
	if err != nil {
		return provider.Binary{}, err
	}
	data, err := f.LoadFile(ctx, file.URI)
	if err != nil {
		return provider.Binary{}, err
	}
	return provider.Binary{Data: data, Mime: file.Mime, Filename: file.Filename}, nil
}

func detectMime(name string, data []byte) string {
	if m := mime.TypeByExtension(path.Ext(name)); m != "" {
		if mt, _, err := mime.ParseMediaType(m); err == nil {
			return mt
		}
	}
	return http.DetectContentType(data)
}

// EntityCreator creates records.
type EntityCreator interface {
	CreateEntity(ctx context.Context, e model.Entity) (*model.Entity, error)
}

// Media creates media records wrapping stored files.
type Media struct {
	entities EntityCreator
}

// NewMedia creates a Media over an entity store.
func NewMedia(entities EntityCreator) *Media {
	return &Media{entities: entities}
}

// CreateMedia creates a media record of bundle whose source field points at
// file.
func (m *Media) CreateMedia(ctx context.Context, bundle, name, sourceField string, file *model.File, owner string) (*model.Entity, error) {
	return m.entities.CreateEntity(ctx, model.Entity{
		EntityType: "media",
		Bundle:     bundle,
		Owner:      owner,
		Fields: map[string][]model.Item{
			"name":      {{"value": name}},
			sourceField: {{"target_id": file.ID}},
		},
	})
}
