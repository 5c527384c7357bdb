package dataset

import (
	"image"
	"os"
	"path/filepath"
	"sort"
	"strings"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

// ErrEmptyDataset is returned when the root holds no usable samples.
var ErrEmptyDataset = errors.New("empty dataset")

// Extensions lists the file suffixes treated as images (lower case).
var Extensions = []string{".jpg", ".jpeg", ".png", ".ppm", ".pgm", ".bmp", ".tif", ".tiff", ".webp"}

// Entry is one indexed file.
type Entry struct {
	Path  string
	Label int
}

// Source is anything the Loader can draw samples from.
type Source interface {
	Len() int
	Get(i int) (Tensor, int, error)
}

// ImageFolder indexes a class-per-directory image tree.
type ImageFolder struct {
	fs        afero.Fs
	root      string
	transform Transform
	classes   []string
	index     map[string]int
	entries   []Entry
	cache     *lru.Cache // nil when disabled
}

// Option configures an ImageFolder.
type Option func(*ImageFolder) error

// WithCache keeps up to size transformed samples in memory.
// A size of zero disables caching.
func WithCache(size int) Option {
	return func(f *ImageFolder) error {
		if size <= 0 {
			f.cache = nil
			return nil
		}
		c, err := lru.New(size)
		if err != nil {
			return errors.Wrap(err, "sample cache")
		}
		f.cache = c
		return nil
	}
}

// NewImageFolder scans root and builds the sample index.
//
// The scan fails if root does not exist, has no class directories, or any
// class directory holds no image file. Images are not opened here.
func NewImageFolder(fs afero.Fs, root string, t Transform, opts ...Option) (*ImageFolder, error) {
	if t == nil {
		t = ToTensor{}
	}
	f := &ImageFolder{
		fs:        fs,
		root:      root,
		transform: t,
		index:     make(map[string]int),
	}
	for _, opt := range opts {
		if err := opt(f); err != nil {
			return nil, err
		}
	}

	info, err := fs.Stat(root)
	if err != nil {
		return nil, errors.Wrapf(err, "dataset root %s", root)
	}
	if !info.IsDir() {
		return nil, errors.Errorf("dataset root %s is not a directory", root)
	}

	if err := f.findClasses(); err != nil {
		return nil, err
	}
	if err := f.makeEntries(); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *ImageFolder) findClasses() error {
	infos, err := afero.ReadDir(f.fs, f.root)
	if err != nil {
		return errors.Wrapf(err, "list %s", f.root)
	}
	for _, fi := range infos {
		if fi.IsDir() {
			f.classes = append(f.classes, fi.Name())
		}
	}
	if len(f.classes) == 0 {
		return errors.Wrapf(ErrEmptyDataset, "no class directories in %s", f.root)
	}
	sort.Strings(f.classes)
	for i, name := range f.classes {
		f.index[name] = i
	}
	return nil
}

func (f *ImageFolder) makeEntries() error {
	for label, class := range f.classes {
		dir := filepath.Join(f.root, class)
		var found int
		err := afero.Walk(f.fs, dir, func(path string, info os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			if info.IsDir() || !HasImageExtension(path) {
				return nil
			}
			f.entries = append(f.entries, Entry{Path: path, Label: label})
			found++
			return nil
		})
		if err != nil {
			return errors.Wrapf(err, "walk %s", dir)
		}
		if found == 0 {
			return errors.Wrapf(ErrEmptyDataset, "no image files for class %q in %s (extensions: %s)",
				class, dir, strings.Join(Extensions, ", "))
		}
	}
	return nil
}

// HasImageExtension reports whether path ends in one of Extensions.
func HasImageExtension(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, e := range Extensions {
		if ext == e {
			return true
		}
	}
	return false
}

// Classes returns the class names in label order.
func (f *ImageFolder) Classes() []string {
	return append([]string(nil), f.classes...)
}

// ClassToIndex returns the label index of every class.
func (f *ImageFolder) ClassToIndex() map[string]int {
	out := make(map[string]int, len(f.index))
	for k, v := range f.index {
		out[k] = v
	}
	return out
}

// Len returns the number of samples.
func (f *ImageFolder) Len() int {
	return len(f.entries)
}

// Entry returns the i-th index entry.
func (f *ImageFolder) Entry(i int) Entry {
	return f.entries[i]
}

// Get loads, decodes and transforms sample i.
//
// The returned tensor may be shared with the cache and must not be modified.
func (f *ImageFolder) Get(i int) (Tensor, int, error) {
	if i < 0 || i >= len(f.entries) {
		return Tensor{}, 0, errors.Errorf("sample index %d out of range [0, %d)", i, len(f.entries))
	}
	e := f.entries[i]

	if f.cache != nil {
		if v, ok := f.cache.Get(i); ok {
			return v.(Tensor), e.Label, nil
		}
	}

	img, err := f.decode(e.Path)
	if err != nil {
		return Tensor{}, 0, err
	}
	t, err := f.transform.Apply(img)
	if err != nil {
		return Tensor{}, 0, errors.Wrapf(err, "transform %s", e.Path)
	}

	if f.cache != nil {
		f.cache.Add(i, t)
	}
	return t, e.Label, nil
}

func (f *ImageFolder) decode(path string) (image.Image, error) {
	file, err := f.fs.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	defer file.Close()

	img, _, err := image.Decode(file)
	if err != nil {
		return nil, errors.Wrapf(err, "decode %s", path)
	}
	return img, nil
}
