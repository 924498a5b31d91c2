// Package dircontainer is a minimal filesystem-backed container.Container,
// illustrative plumbing for cmd/amlboot-burn — the real image-container
// format remains an external collaborator behind the container.Container
// interface. Each file directly under the root directory named
// "<main_type>_<sub_type>" becomes one item.
package dircontainer

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"amlboot/internal/amlerr"
	"amlboot/internal/container"
)

// Dir is a directory-backed container.Container.
type Dir struct {
	root  string
	items map[string]*item
	order []*item
}

// Open scans root for "<main_type>_<sub_type>" files and builds the
// resulting container. It does not keep any file open; each Item opens its
// backing file lazily on first Seek/Read.
func Open(root string) (*Dir, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, amlerr.New(amlerr.Image, "dircontainer_open", "failed to read container directory", err.Error())
	}

	d := &Dir{root: root, items: make(map[string]*item)}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		mainType, subType, ok := splitName(e.Name())
		if !ok {
			continue
		}
		info, err := e.Info()
		if err != nil {
			return nil, amlerr.New(amlerr.Image, "dircontainer_open", "failed to stat container entry", err.Error())
		}
		it := &item{
			path:     filepath.Join(root, e.Name()),
			mainType: mainType,
			subType:  subType,
			size:     info.Size(),
		}
		d.items[key(mainType, subType)] = it
		d.order = append(d.order, it)
	}
	return d, nil
}

// splitName splits "<main_type>_<sub_type>" on the first underscore.
func splitName(name string) (mainType, subType string, ok bool) {
	idx := strings.IndexByte(name, '_')
	if idx <= 0 || idx == len(name)-1 {
		return "", "", false
	}
	return name[:idx], name[idx+1:], true
}

func key(mainType, subType string) string {
	return mainType + "/" + subType
}

// Items implements container.Container.
func (d *Dir) Items() []container.Item {
	out := make([]container.Item, len(d.order))
	for i, it := range d.order {
		out[i] = it
	}
	return out
}

// ItemGet implements container.Container.
func (d *Dir) ItemGet(mainType, subType string) (container.Item, error) {
	it, ok := d.items[key(mainType, subType)]
	if !ok {
		return nil, container.NotFound(mainType, subType)
	}
	return it, nil
}

// item is a lazily-opened file-backed container.Item.
type item struct {
	path     string
	mainType string
	subType  string
	size     int64

	f      *os.File
	offset int64
}

func (it *item) MainType() string { return it.mainType }
func (it *item) SubType() string  { return it.subType }
func (it *item) Size() int64      { return it.size }

func (it *item) open() error {
	if it.f != nil {
		return nil
	}
	f, err := os.Open(it.path)
	if err != nil {
		return amlerr.New(amlerr.Image, "item_open", "failed to open container item", err.Error())
	}
	it.f = f
	return nil
}

// Seek implements container.Item.
func (it *item) Seek(offset int64) error {
	if err := it.open(); err != nil {
		return err
	}
	if offset < 0 || offset > it.size {
		return amlerr.New(amlerr.Image, "item_seek", "seek out of range", it.path)
	}
	if _, err := it.f.Seek(offset, io.SeekStart); err != nil {
		return amlerr.New(amlerr.Image, "item_seek", "seek failed", err.Error())
	}
	it.offset = offset
	return nil
}

// Read implements container.Item: it reads exactly n bytes, or fewer only
// at end of file, which is itself an Image error here since every caller in
// this driver knows the exact length it expects.
func (it *item) Read(n int) ([]byte, error) {
	if err := it.open(); err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	read := 0
	for read < n {
		k, err := it.f.Read(buf[read:])
		read += k
		if err != nil {
			if read == n {
				break
			}
			return nil, amlerr.New(amlerr.Image, "item_read", "short read past end of item", it.path)
		}
	}
	it.offset += int64(read)
	return buf, nil
}
