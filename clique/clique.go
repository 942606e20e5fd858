// Package clique encodes and decodes the ANL "vector" notation used in the
// PMI_process_mapping value and answers rank placement queries against it.
//
//	(vector,(nodeid,nodes,procs),(nodeid,nodes,procs),...)
//
// Each block places procs consecutive ranks on each of nodes consecutive node
// ids beginning at nodeid. Blocks are consumed in order.
package clique

import (
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/exp/slices"

	"github.com/rocketbitz/pmi-go/pmi"
)

var (
	// ErrParse indicates a malformed mapping string.
	ErrParse = fmt.Errorf("clique: invalid process mapping: %w", pmi.Fail)
	// ErrNotFound indicates a rank or node that the mapping does not cover.
	ErrNotFound = fmt.Errorf("clique: not found in process mapping: %w", pmi.ErrInvalidArg)
	// ErrSizeMismatch indicates an output slice whose length differs from the rank count.
	ErrSizeMismatch = fmt.Errorf("clique: rank buffer size mismatch: %w", pmi.ErrInvalidSize)
	// ErrOverflow indicates an encoding that does not fit the caller's limit.
	ErrOverflow = fmt.Errorf("clique: encoded mapping too long: %w", pmi.ErrNoMem)
)

const vectorTag = "vector,"

// Block places Procs ranks on each of Nodes node ids starting at NodeID.
type Block struct {
	NodeID int
	Nodes  int
	Procs  int
}

func (b Block) span() int {
	return b.Nodes * b.Procs
}

// Blocks is an ordered process mapping. A nil or empty Blocks means no mapping
// is available; callers assume one rank per node at unknown placement.
type Blocks []Block

// Size returns the number of ranks covered by the mapping.
func (bs Blocks) Size() int {
	total := 0
	for _, b := range bs {
		total += b.span()
	}
	return total
}

// Decode parses s. The empty string decodes to an empty mapping without error.
func Decode(s string) (Blocks, error) {
	if s == "" {
		return Blocks{}, nil
	}
	i := strings.Index(s, vectorTag)
	if i < 0 {
		return nil, ErrParse
	}
	p := &parser{s: s, pos: i + len(vectorTag)}
	blocks := Blocks{}
	for {
		p.skip(" \t,")
		if p.done() {
			return nil, ErrParse
		}
		if p.peek() == ')' {
			return blocks, nil
		}
		b, err := p.block()
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, b)
	}
}

type parser struct {
	s   string
	pos int
}

func (p *parser) done() bool { return p.pos >= len(p.s) }

func (p *parser) peek() byte { return p.s[p.pos] }

func (p *parser) skip(set string) {
	for !p.done() && strings.IndexByte(set, p.peek()) >= 0 {
		p.pos++
	}
}

func (p *parser) expect(c byte) error {
	p.skip(" \t")
	if p.done() || p.peek() != c {
		return ErrParse
	}
	p.pos++
	return nil
}

func (p *parser) number() (int, error) {
	p.skip(" \t")
	start := p.pos
	for !p.done() && p.peek() >= '0' && p.peek() <= '9' {
		p.pos++
	}
	if start == p.pos {
		return 0, ErrParse
	}
	n, err := strconv.Atoi(p.s[start:p.pos])
	if err != nil {
		return 0, ErrParse
	}
	return n, nil
}

func (p *parser) block() (Block, error) {
	var fields [3]int
	if err := p.expect('('); err != nil {
		return Block{}, err
	}
	for i := range fields {
		if i > 0 {
			if err := p.expect(','); err != nil {
				return Block{}, err
			}
		}
		n, err := p.number()
		if err != nil {
			return Block{}, err
		}
		fields[i] = n
	}
	p.skip(" \t,")
	if err := p.expect(')'); err != nil {
		return Block{}, err
	}
	return Block{NodeID: fields[0], Nodes: fields[1], Procs: fields[2]}, nil
}

// String encodes the mapping. It never truncates.
func (bs Blocks) String() string {
	var b strings.Builder
	b.WriteString("(vector,")
	for i, blk := range bs {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "(%d,%d,%d)", blk.NodeID, blk.Nodes, blk.Procs)
	}
	b.WriteByte(')')
	return b.String()
}

// Encode encodes the mapping, failing when the result would not fit a buffer
// of max bytes including its NUL terminator. A non-positive max disables the check.
func (bs Blocks) Encode(max int) (string, error) {
	s := bs.String()
	if max > 0 && len(s) >= max {
		return "", ErrOverflow
	}
	return s, nil
}

// NodeID returns the node hosting rank.
func (bs Blocks) NodeID(rank int) (int, error) {
	if rank < 0 {
		return -1, ErrNotFound
	}
	offset := 0
	for _, b := range bs {
		span := b.span()
		if rank < offset+span {
			return b.NodeID + (rank-offset)/b.Procs, nil
		}
		offset += span
	}
	return -1, ErrNotFound
}

// walk calls fn for every rank below size placed on nodeid, in rank order.
func (bs Blocks) walk(nodeid, size int, fn func(rank int)) {
	offset := 0
	for _, b := range bs {
		if offset >= size {
			return
		}
		if nodeid >= b.NodeID && nodeid < b.NodeID+b.Nodes {
			start := offset + (nodeid-b.NodeID)*b.Procs
			for r := start; r < start+b.Procs && r < size; r++ {
				fn(r)
			}
		}
		offset += b.span()
	}
}

// NRanks counts the ranks below size placed on nodeid. The final node is
// clipped when size is not a multiple of the block layout.
func (bs Blocks) NRanks(nodeid, size int) int {
	n := 0
	bs.walk(nodeid, size, func(int) { n++ })
	return n
}

// Ranks returns the ranks below size placed on nodeid in increasing order.
func (bs Blocks) Ranks(nodeid, size int) []int {
	ranks := make([]int, 0, bs.NRanks(nodeid, size))
	bs.walk(nodeid, size, func(r int) { ranks = append(ranks, r) })
	return ranks
}

// CopyRanks fills dst with the ranks placed on nodeid. len(dst) must equal
// NRanks(nodeid, size).
func (bs Blocks) CopyRanks(dst []int, nodeid, size int) error {
	if len(dst) != bs.NRanks(nodeid, size) {
		return ErrSizeMismatch
	}
	i := 0
	bs.walk(nodeid, size, func(r int) {
		dst[i] = r
		i++
	})
	return nil
}

// Of returns the clique of rank in a job of size ranks. With no mapping the
// rank is alone in its clique.
func (bs Blocks) Of(rank, size int) ([]int, error) {
	if len(bs) == 0 {
		return []int{rank}, nil
	}
	nodeid, err := bs.NodeID(rank)
	if err != nil {
		return nil, err
	}
	return bs.Ranks(nodeid, size), nil
}

// FromTaskMap builds a mapping from the node id of each rank, merging runs of
// equally populated consecutive nodes into single blocks.
func FromTaskMap(nodeOfRank []int) Blocks {
	type run struct{ node, procs int }
	var runs []run
	for _, node := range nodeOfRank {
		if n := len(runs); n > 0 && runs[n-1].node == node {
			runs[n-1].procs++
			continue
		}
		runs = append(runs, run{node: node, procs: 1})
	}
	blocks := Blocks{}
	for _, r := range runs {
		if n := len(blocks); n > 0 {
			last := &blocks[n-1]
			if last.Procs == r.procs && last.NodeID+last.Nodes == r.node {
				last.Nodes++
				continue
			}
		}
		blocks = append(blocks, Block{NodeID: r.node, Nodes: 1, Procs: r.procs})
	}
	return blocks
}

// Nodes returns the distinct node ids referenced by the mapping, sorted.
func (bs Blocks) Nodes() []int {
	var ids []int
	for _, b := range bs {
		for n := b.NodeID; n < b.NodeID+b.Nodes; n++ {
			if !slices.Contains(ids, n) {
				ids = append(ids, n)
			}
		}
	}
	slices.Sort(ids)
	return ids
}
