package targetdesc

import (
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/george-hopkins/hcs12mem-sub000/pkg/target"
	"github.com/pkg/errors"
)

// EnvTargets names the environment variable holding extra description
// directories, separated by the OS path list separator.
const EnvTargets = "HCS12MEM_TARGETS"

// Ext is the file extension of target descriptions.
const Ext = ".dat"

//go:embed targets/*.dat
var builtin embed.FS

// Repository locates target descriptions by name. Directories are searched
// in order, then the built-in set.
type Repository struct {
	dirs   []string
	parser *Parser
}

// NewRepository creates a repository searching dirs followed by the
// directories listed in $HCS12MEM_TARGETS.
func NewRepository(dirs ...string) (*Repository, error) {
	parser, err := NewParser()
	if err != nil {
		return nil, err
	}
	all := append([]string(nil), dirs...)
	if env := os.Getenv(EnvTargets); env != "" {
		for _, dir := range filepath.SplitList(env) {
			if dir != "" {
				all = append(all, dir)
			}
		}
	}
	return &Repository{dirs: all, parser: parser}, nil
}

// Dirs returns the search directories in lookup order.
func (r *Repository) Dirs() []string {
	return append([]string(nil), r.dirs...)
}

// Find loads the description named name. A name containing a path
// separator or ending in .dat is first tried as a file path.
func (r *Repository) Find(name string) (*Description, error) {
	if name == "" {
		return nil, errors.Wrap(target.ErrInvalid, "empty target name")
	}
	if strings.ContainsRune(name, os.PathSeparator) || strings.HasSuffix(name, Ext) {
		if isFile(name) {
			return r.load(name)
		}
	}
	base := strings.TrimSuffix(name, Ext)
	for _, dir := range r.dirs {
		for _, candidate := range []string{base + Ext, base} {
			p := filepath.Join(dir, candidate)
			if isFile(p) {
				return r.load(p)
			}
		}
	}
	data, err := builtin.ReadFile(path.Join("targets", strings.ToLower(base)+Ext))
	if err == nil {
		d, err := r.parser.ParseString(strings.ToLower(base), string(data))
		if err != nil {
			return nil, errors.Wrapf(target.ErrInvalid, "built-in target %s: %v", base, err)
		}
		return d, nil
	}
	return nil, errors.Wrapf(target.ErrInvalid, "target %q not found", name)
}

func (r *Repository) load(p string) (*Description, error) {
	d, err := r.parser.ParseFile(p)
	if err != nil {
		return nil, errors.Wrapf(target.ErrInvalid, "%s: %v", p, err)
	}
	return d, nil
}

// List returns every description reachable through the repository, one per
// name; directory entries shadow built-in ones of the same name.
func (r *Repository) List() ([]*Description, error) {
	seen := make(map[string]bool)
	var out []*Description

	for _, dir := range r.dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("read target dir %s: %w", dir, err)
		}
		for _, entry := range entries {
			if entry.IsDir() || !strings.EqualFold(filepath.Ext(entry.Name()), Ext) {
				continue
			}
			name := strings.TrimSuffix(entry.Name(), filepath.Ext(entry.Name()))
			if seen[name] {
				continue
			}
			d, err := r.load(filepath.Join(dir, entry.Name()))
			if err != nil {
				return nil, err
			}
			seen[name] = true
			out = append(out, d)
		}
	}

	err := fs.WalkDir(builtin, "targets", func(p string, entry fs.DirEntry, err error) error {
		if err != nil || entry.IsDir() {
			return err
		}
		name := strings.TrimSuffix(entry.Name(), Ext)
		if seen[name] {
			return nil
		}
		data, err := builtin.ReadFile(p)
		if err != nil {
			return err
		}
		d, err := r.parser.ParseString(name, string(data))
		if err != nil {
			return err
		}
		seen[name] = true
		out = append(out, d)
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// ResolvePath resolves a file named inside the description (bdm_agent,
// lrae_agent) relative to the description's own directory.
func (d *Description) ResolvePath(p string) string {
	if p == "" || filepath.IsAbs(p) || d.Path == "" {
		return p
	}
	return filepath.Join(filepath.Dir(d.Path), p)
}

func isFile(p string) bool {
	info, err := os.Stat(p)
	return err == nil && !info.IsDir()
}
