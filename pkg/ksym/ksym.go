// Package ksym resolves kernel addresses to symbol names using the
// /proc/kallsyms format. A loaded table is immutable and safe for
// concurrent readers.
package ksym

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
)

// DefaultPath is where the running kernel exposes its symbol table.
const DefaultPath = "/proc/kallsyms"

// Kind classifies symbols the drop monitor treats specially.
type Kind uint8

const (
	KindOther Kind = iota
	KindUnix       // af_unix socket paths, not network traffic
	KindTCP
	KindOVSUpcall // openvswitch queue_userspace_packet
)

// Symbol is one kallsyms entry.
type Symbol struct {
	Addr uint64
	Name string
	Kind Kind
}

// Table is a sorted kernel symbol table.
type Table struct {
	syms []Symbol
}

// Load reads a symbol table from path, or from DefaultPath if path is
// empty. Reading /proc/kallsyms needs enough privilege that addresses are
// not masked to zero; a masked table is rejected.
func Load(path string) (*Table, error) {
	if path == "" {
		path = DefaultPath
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open symbol file: %w", err)
	}
	defer f.Close()

	t, err := parse(f)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return t, nil
}

func parse(r io.Reader) (*Table, error) {
	var syms []Symbol

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 3 {
			continue
		}
		addr, err := strconv.ParseUint(fields[0], 16, 64)
		if err != nil {
			continue
		}
		name := fields[2]
		syms = append(syms, Symbol{
			Addr: addr,
			Name: name,
			Kind: classify(name),
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(syms) == 0 {
		return nil, fmt.Errorf("no symbols found")
	}

	sort.Slice(syms, func(i, j int) bool { return syms[i].Addr < syms[j].Addr })

	if syms[len(syms)-1].Addr == 0 {
		return nil, fmt.Errorf("all symbol addresses are zero; check kptr_restrict or run with more privilege")
	}

	return &Table{syms: syms}, nil
}

func classify(name string) Kind {
	switch {
	case name == "queue_userspace_packet":
		return KindOVSUpcall
	case strings.HasPrefix(name, "unix_"), strings.HasPrefix(name, "__unix_"):
		return KindUnix
	case strings.HasPrefix(name, "tcp_"), strings.HasPrefix(name, "__tcp_"):
		return KindTCP
	}
	return KindOther
}

// Len returns the number of loaded symbols.
func (t *Table) Len() int {
	return len(t.syms)
}

// Nearest returns the symbol whose address range covers addr: the closest
// symbol at or below it. Addresses below the first symbol resolve to
// nothing; the last symbol's range is open ended.
func (t *Table) Nearest(addr uint64) (Symbol, bool) {
	i := sort.Search(len(t.syms), func(i int) bool { return t.syms[i].Addr > addr })
	if i == 0 {
		return Symbol{}, false
	}
	return t.syms[i-1], true
}

// Exact returns the symbol at exactly addr. Used for data symbols such as
// init_net, where a nearest match would claim unrelated heap addresses.
func (t *Table) Exact(addr uint64) (Symbol, bool) {
	i := sort.Search(len(t.syms), func(i int) bool { return t.syms[i].Addr >= addr })
	if i < len(t.syms) && t.syms[i].Addr == addr {
		return t.syms[i], true
	}
	return Symbol{}, false
}
