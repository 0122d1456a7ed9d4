// Package macfile reads and writes simulator control files.
//
// A control file is a list of commands, one per line. The first token of a line is the command and the
// remaining tokens are its values. Everything after a '#' is a comment and blank lines are ignored.
package macfile

import (
	"bufio"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/exp/slices"

	"github.com/G-Research/gridmerge/internal/common/griderrors"
)

const (
	ImageFileName        = "/gate/output/ProcessCT/setFileName"
	ScatterImageFileName = "/gate/output/ProcessCT/setScatterFileName"
	RootFileName         = "/gate/output/root/setFileName"
	EngineSeed           = "/gate/random/setEngineSeed"
	AddSource            = "/gate/source/addSource"
	ApplicationStart     = "/gate/application/start"

	// Directives in this namespace are read by gridmerge and never passed on to the simulator.
	DirectivePrefix   = "/mpiForGate/"
	SimulateRotation  = DirectivePrefix + "simulateRotation"
	EnergySwipe       = DirectivePrefix + "energySwipe"
	NumberOfProcesses = DirectivePrefix + "nProcesses"
	CenterOfRotation  = DirectivePrefix + "CORaxis"
)

type Command struct {
	Name   string
	Values []string
}

func (c Command) String() string {
	return strings.Join(append([]string{c.Name}, c.Values...), " ")
}

// File is a parsed control file. Commands keep the order they were read in.
type File struct {
	Path     string
	Commands []Command
}

// Load parses the control file at path.
func Load(path string) (*File, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, errors.WithStack(&griderrors.ErrNotFound{Type: "macfile", Value: path})
	}
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer f.Close()

	file, err := Parse(f)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to read %s", path)
	}
	file.Path = path
	return file, nil
}

func Parse(r io.Reader) (*File, error) {
	file := &File{}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if idx := strings.Index(line, "#"); idx >= 0 {
			line = line[:idx]
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		file.Commands = append(file.Commands, Command{Name: fields[0], Values: fields[1:]})
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.WithStack(err)
	}
	return file, nil
}

// Dir is the directory relative paths in the file are resolved against.
func (f *File) Dir() string {
	if f.Path == "" {
		return "."
	}
	return filepath.Dir(f.Path)
}

// Get returns the values of the first occurrence of name.
func (f *File) Get(name string) ([]string, bool) {
	idx := f.index(name)
	if idx < 0 {
		return nil, false
	}
	return f.Commands[idx].Values, true
}

// First returns the first value of name, or "" if name is absent or has no values.
func (f *File) First(name string) string {
	values, ok := f.Get(name)
	if !ok || len(values) == 0 {
		return ""
	}
	return values[0]
}

// Set replaces the values of name. A command that does not exist yet is appended.
// A command that occurs several times is removed and appended once with the new values.
func (f *File) Set(name string, values ...string) {
	values = slices.Clone(values)
	switch f.count(name) {
	case 0:
		f.Commands = append(f.Commands, Command{Name: name, Values: values})
	case 1:
		f.Commands[f.index(name)].Values = values
	default:
		f.Remove(name)
		f.Commands = append(f.Commands, Command{Name: name, Values: values})
	}
}

// Remove deletes every occurrence of name and reports how many were removed.
func (f *File) Remove(name string) int {
	kept := f.Commands[:0]
	removed := 0
	for _, c := range f.Commands {
		if c.Name == name {
			removed++
			continue
		}
		kept = append(kept, c)
	}
	f.Commands = kept
	return removed
}

// RemovePrefix deletes every command whose name starts with prefix.
func (f *File) RemovePrefix(prefix string) int {
	kept := f.Commands[:0]
	removed := 0
	for _, c := range f.Commands {
		if strings.HasPrefix(c.Name, prefix) {
			removed++
			continue
		}
		kept = append(kept, c)
	}
	f.Commands = kept
	return removed
}

// Pop removes the first occurrence of name and returns its values.
func (f *File) Pop(name string) ([]string, bool) {
	idx := f.index(name)
	if idx < 0 {
		return nil, false
	}
	values := f.Commands[idx].Values
	f.Commands = slices.Delete(f.Commands, idx, idx+1)
	return values, true
}

// Find returns the names of the commands containing substr.
func (f *File) Find(substr string) []string {
	var names []string
	for _, c := range f.Commands {
		if strings.Contains(c.Name, substr) {
			names = append(names, c.Name)
		}
	}
	return names
}

// FindValue returns the commands that have a value containing substr.
func (f *File) FindValue(substr string) []Command {
	var result []Command
	for _, c := range f.Commands {
		if slices.IndexFunc(c.Values, func(v string) bool { return strings.Contains(v, substr) }) >= 0 {
			result = append(result, c)
		}
	}
	return result
}

// Clone returns a deep copy of f.
func (f *File) Clone() *File {
	clone := &File{Path: f.Path, Commands: make([]Command, len(f.Commands))}
	for i, c := range f.Commands {
		clone.Commands[i] = Command{Name: c.Name, Values: slices.Clone(c.Values)}
	}
	return clone
}

// WriteTo writes one command per line. The application start command is always written last,
// and is added if the file did not have one.
func (f *File) WriteTo(w io.Writer) (int64, error) {
	bw := bufio.NewWriter(w)
	var written int64
	var start *Command
	for i := range f.Commands {
		if f.Commands[i].Name == ApplicationStart {
			if start == nil {
				start = &f.Commands[i]
			}
			continue
		}
		n, err := bw.WriteString(f.Commands[i].String() + "\n")
		written += int64(n)
		if err != nil {
			return written, errors.WithStack(err)
		}
	}
	last := Command{Name: ApplicationStart}
	if start != nil {
		last = *start
	}
	n, err := bw.WriteString(last.String() + "\n")
	written += int64(n)
	if err != nil {
		return written, errors.WithStack(err)
	}
	return written, errors.WithStack(bw.Flush())
}

// Write saves f to path, creating parent directories as needed.
func (f *File) Write(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.WithStack(err)
	}
	out, err := os.Create(path)
	if err != nil {
		return errors.WithStack(err)
	}
	if _, err := f.WriteTo(out); err != nil {
		out.Close()
		return err
	}
	return errors.WithStack(out.Close())
}

func (f *File) index(name string) int {
	return slices.IndexFunc(f.Commands, func(c Command) bool { return c.Name == name })
}

func (f *File) count(name string) int {
	n := 0
	for _, c := range f.Commands {
		if c.Name == name {
			n++
		}
	}
	return n
}
