// Package extsort implements an external (disk-spilling) merge sort over
// flow records under a fixed memory budget. It is the engine behind both
// rwsort and rwdedupe.
package extsort

import (
	"bytes"
	"container/heap"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/flowkit/flowkit/internal/flowrecord"
	"github.com/flowkit/flowkit/internal/keyextract"
	"github.com/flowkit/flowkit/internal/metrics"
	"github.com/flowkit/flowkit/internal/rlimit"
	"github.com/flowkit/flowkit/internal/tempspool"
)

// minInitialRecords is the floor allocateInitial will not halve the
// initial buffer below after a failed allocation; reaching it is a fatal
// resource-exhaustion error. A budget that asks for fewer records from
// the start is allocated as asked.
const minInitialRecords = 4096

// defaultGrowthFactor is C in "B/C" from the initial-allocation formula.
const defaultGrowthFactor = 6

// defaultMaxOpenRuns bounds the merge fan-in regardless of FD headroom.
const defaultMaxOpenRuns = 1024

// node is a sort node: the full record plus its extracted key, kept
// together so the output can be written without re-deriving the key.
type node struct {
	rec flowrecord.Record
	key []byte
}

// Config configures one ExternalSorter run.
type Config struct {
	// MemoryBudget is B, the total byte budget for the in-memory buffer.
	MemoryBudget int64
	// AvgNodeSize estimates a node's resident size for capacity planning.
	AvgNodeSize int64
	// MaxOpenRuns caps simultaneous merge fan-in M.
	MaxOpenRuns int
	// Presorted skips the sort phase entirely (every input is a run).
	Presorted bool
	// Comparator orders two key buffers; defaults to bytes.Compare.
	Comparator func(a, b []byte) int
	// Monitor, if set, is consulted before growing the in-memory buffer;
	// under memory pressure the sorter flushes early instead of growing,
	// trading more (smaller) runs for a bounded resident set.
	Monitor *rlimit.Monitor
	// ToolName labels this run's metrics ("rwsort" or "rwdedupe").
	ToolName string
}

// ExternalSorter buffers records in memory, spilling sorted runs to a
// TempSpool under memory pressure, then N-way merges the runs to a sink.
type ExternalSorter struct {
	cfg    Config
	key    *keyextract.KeyExtractor
	spool  *tempspool.TempSpool
	logger *logrus.Logger
	cmp    func(a, b []byte) int

	shutdown int32 // set by RequestShutdown; checked between records/merge steps

	RunsWritten  int64
	MergePasses  int64
	RecordsRead  int64
}

// New constructs an ExternalSorter. spool must outlive the sorter; its
// Teardown is the caller's responsibility (including on signal).
func New(cfg Config, key *keyextract.KeyExtractor, spool *tempspool.TempSpool, logger *logrus.Logger) *ExternalSorter {
	if cfg.MaxOpenRuns <= 0 || cfg.MaxOpenRuns > defaultMaxOpenRuns {
		cfg.MaxOpenRuns = defaultMaxOpenRuns
	}
	if cfg.AvgNodeSize <= 0 {
		cfg.AvgNodeSize = 64
	}
	cmp := cfg.Comparator
	if cmp == nil {
		cmp = bytes.Compare
	}
	return &ExternalSorter{cfg: cfg, key: key, spool: spool, logger: logger, cmp: cmp}
}

// RequestShutdown sets the cooperative shutdown flag; Run checks it
// between records and at each merge step and tears down cleanly.
func (s *ExternalSorter) RequestShutdown() {
	atomic.StoreInt32(&s.shutdown, 1)
}

func (s *ExternalSorter) shuttingDown() bool {
	return atomic.LoadInt32(&s.shutdown) != 0
}

// ErrShutdown is returned by Run when a cooperative shutdown was
// requested mid-run.
var ErrShutdown = fmt.Errorf("extsort: shutdown requested")

// Run consumes every record from readers (each already a sorted run if
// cfg.Presorted, otherwise unsorted input) and writes the fully merged,
// sorted sequence to sink.
func (s *ExternalSorter) Run(readers []flowrecord.Reader, sink flowrecord.Writer) error {
	if s.cfg.Presorted {
		return s.mergePresorted(readers, sink)
	}
	return s.sortAndMerge(readers, sink)
}

// --- in-memory buffering & run creation ---------------------------------

type buffer struct {
	nodes []node
	cap   int
}

func (s *ExternalSorter) allocateInitial() (*buffer, error) {
	size := s.cfg.MemoryBudget / defaultGrowthFactor
	cap := int(size / s.cfg.AvgNodeSize)
	if cap < 1 {
		cap = 1
	}
	for {
		if nodes := tryAlloc(cap); nodes != nil {
			return &buffer{nodes: nodes[:0], cap: cap}, nil
		}
		cap /= 2
		if cap < minInitialRecords {
			return nil, fmt.Errorf("extsort: cannot allocate initial buffer (allocation failed and halving would go below %d records)", minInitialRecords)
		}
	}
}

// tryAlloc allocates a node slice, recovering from an allocation panic
// the way the source tool treats a failed realloc: as a soft limit, not
// a crash.
func tryAlloc(n int) (out []node) {
	defer func() {
		if recover() != nil {
			out = nil
		}
	}()
	return make([]node, n)
}

func (b *buffer) grow(maxCap int) bool {
	if b.cap >= maxCap {
		return false
	}
	newCap := b.cap * 2
	if newCap > maxCap {
		newCap = maxCap
	}
	grown := tryAlloc(newCap)
	if grown == nil {
		return false
	}
	copy(grown, b.nodes)
	b.nodes = grown[:len(b.nodes)]
	b.cap = newCap
	return true
}

func (s *ExternalSorter) sortAndMerge(readers []flowrecord.Reader, sink flowrecord.Writer) error {
	maxCap := int(s.cfg.MemoryBudget / s.cfg.AvgNodeSize)
	buf, err := s.allocateInitial()
	if err != nil {
		return err
	}

	var pendingRuns []int
	var header flowrecord.Header

	flush := func() error {
		if len(buf.nodes) == 0 {
			return nil
		}
		s.sortBuffer(buf.nodes)
		idx, err := s.writeRun(buf.nodes, header)
		if err != nil {
			return err
		}
		pendingRuns = append(pendingRuns, idx)
		atomic.AddInt64(&s.RunsWritten, 1)
		metrics.SortRunsWritten.WithLabelValues(s.cfg.ToolName).Inc()
		buf.nodes = buf.nodes[:0]
		return nil
	}

	for _, r := range readers {
		header = r.Header()
		for {
			if s.shuttingDown() {
				s.spool.Teardown()
				return ErrShutdown
			}
			rec, err := r.Next()
			if err == io.EOF {
				break
			}
			if err != nil {
				return fmt.Errorf("extsort: read: %w", err)
			}
			atomic.AddInt64(&s.RecordsRead, 1)
			metrics.SortRecordsRead.WithLabelValues(s.cfg.ToolName).Inc()

			if len(buf.nodes) == buf.cap {
				if s.cfg.Monitor != nil && s.cfg.Monitor.UnderMemoryPressure() {
					metrics.SortResourceDegradations.WithLabelValues(s.cfg.ToolName, "memory_pressure").Inc()
					if err := flush(); err != nil {
						return err
					}
				} else if !buf.grow(maxCap) {
					if err := flush(); err != nil {
						return err
					}
				}
			}
			key, err := s.key.MakeKey(&rec)
			if err != nil {
				return fmt.Errorf("extsort: key derivation: %w", err)
			}
			buf.nodes = append(buf.nodes, node{rec: rec, key: key})
		}
	}

	// End of input: sort what remains.
	s.sortBuffer(buf.nodes)

	if len(pendingRuns) == 0 {
		// Nothing spilled: stream the sorted remainder straight to sink.
		return writeNodes(buf.nodes, header, sink)
	}

	idx, err := s.writeRun(buf.nodes, header)
	if err != nil {
		return err
	}
	pendingRuns = append(pendingRuns, idx)

	return s.merge(pendingRuns, header, sink)
}

func (s *ExternalSorter) sortBuffer(nodes []node) {
	sort.Slice(nodes, func(i, j int) bool {
		return s.cmp(nodes[i].key, nodes[j].key) < 0
	})
}

func writeNodes(nodes []node, header flowrecord.Header, w flowrecord.Writer) error {
	w.SetHeader(header)
	for _, n := range nodes {
		if err := w.Write(n.rec); err != nil {
			return fmt.Errorf("extsort: write to sink: %w", err)
		}
	}
	return nil
}

func (s *ExternalSorter) writeRun(nodes []node, header flowrecord.Header) (int, error) {
	idx, wc, err := s.spool.Create()
	if err != nil {
		return 0, fmt.Errorf("extsort: create tempfile: %w", err)
	}
	enc := newNodeEncoder(wc)
	for _, n := range nodes {
		if err := enc.Encode(n); err != nil {
			wc.Close()
			return 0, fmt.Errorf("extsort: write run %d: %w", idx, err)
		}
	}
	if err := wc.Close(); err != nil {
		return 0, fmt.Errorf("extsort: close run %d: %w", idx, err)
	}
	return idx, nil
}

// --- presorted mode ------------------------------------------------------

func (s *ExternalSorter) mergePresorted(readers []flowrecord.Reader, sink flowrecord.Writer) error {
	var header flowrecord.Header
	if len(readers) > 0 {
		header = readers[0].Header()
	}
	// Each input reader is itself a sorted run; wrap them as merge
	// sources directly rather than re-spilling through TempSpool.
	sources := make([]mergeSource, 0, len(readers))
	for _, r := range readers {
		sources = append(sources, &readerSource{r: r, key: s.key})
	}
	return s.mergeSources(sources, header, sink)
}

// --- N-way merge ----------------------------------------------------------

// mergeSource yields (node, error) pairs for one run during a merge pass,
// regardless of whether the run lives in a tempfile or an input reader.
type mergeSource interface {
	next() (node, error) // io.EOF when exhausted
	close() error
}

type readerSource struct {
	r   flowrecord.Reader
	key *keyextract.KeyExtractor
}

func (rs *readerSource) next() (node, error) {
	rec, err := rs.r.Next()
	if err != nil {
		return node{}, err
	}
	key, err := rs.key.MakeKey(&rec)
	if err != nil {
		return node{}, err
	}
	return node{rec: rec, key: key}, nil
}

func (rs *readerSource) close() error { return rs.r.Close() }

type tempSource struct {
	idx int
	rc  io.ReadCloser
	dec *nodeDecoder
}

func (ts *tempSource) next() (node, error) {
	return ts.dec.Decode()
}

func (ts *tempSource) close() error {
	return ts.rc.Close()
}

// merge repeatedly opens up to cfg.MaxOpenRuns pending run indices,
// heap-merges them to a sink (a tempfile if more runs remain, or the
// final sink if this pass covers everything), and loops until one run
// remains.
func (s *ExternalSorter) merge(pending []int, header flowrecord.Header, sink flowrecord.Writer) error {
	for {
		if s.shuttingDown() {
			s.spool.Teardown()
			return ErrShutdown
		}
		if len(pending) == 0 {
			return nil
		}
		if len(pending) == 1 {
			return s.copyRunToSink(pending[0], header, sink)
		}

		limit := len(pending)
		if limit > s.cfg.MaxOpenRuns {
			limit = s.cfg.MaxOpenRuns
		}
		batch := pending[:limit]

		sources, err := s.openRuns(batch)
		if err != nil {
			return err
		}
		if len(sources) == 0 {
			return fmt.Errorf("extsort: merge: no runs could be opened")
		}
		opened := batch[:len(sources)]
		remainder := pending[len(sources):]

		if len(remainder) == 0 {
			if err := s.heapMerge(sources, header, sink); err != nil {
				return err
			}
			for _, idx := range opened {
				s.spool.Remove(idx)
			}
			return nil
		}

		outIdx, wc, err := s.spool.Create()
		if err != nil {
			return fmt.Errorf("extsort: merge: create intermediate run: %w", err)
		}
		mw := &nodeWriterSink{enc: newNodeEncoder(wc)}
		if err := s.heapMergeToEncoder(sources, mw); err != nil {
			wc.Close()
			return err
		}
		if err := wc.Close(); err != nil {
			return fmt.Errorf("extsort: merge: close intermediate run %d: %w", outIdx, err)
		}
		for _, idx := range opened {
			s.spool.Remove(idx)
		}
		atomic.AddInt64(&s.MergePasses, 1)
		metrics.SortMergePasses.WithLabelValues(s.cfg.ToolName).Inc()
		pending = append([]int{outIdx}, remainder...)
	}
}

func (s *ExternalSorter) mergeSources(sources []mergeSource, header flowrecord.Header, sink flowrecord.Writer) error {
	return s.heapMerge(sources, header, sink)
}

func (s *ExternalSorter) openRuns(indices []int) ([]mergeSource, error) {
	sources := make([]mergeSource, 0, len(indices))
	for _, idx := range indices {
		rc, err := s.spool.Reopen(idx)
		if err != nil {
			if errors.Is(err, tempspool.ErrOutOfResources) {
				metrics.SortResourceDegradations.WithLabelValues(s.cfg.ToolName, "fd_pressure").Inc()
				break
			}
			return nil, fmt.Errorf("extsort: open run %d: %w", idx, err)
		}
		sources = append(sources, &tempSource{idx: idx, rc: rc, dec: newNodeDecoder(rc)})
	}
	return sources, nil
}

// heapMerge drains sources in sorted order directly to a flowrecord.Writer.
func (s *ExternalSorter) heapMerge(sources []mergeSource, header flowrecord.Header, sink flowrecord.Writer) error {
	sink.SetHeader(header)
	return s.drain(sources, func(n node) error {
		return sink.Write(n.rec)
	})
}

// heapMergeToEncoder drains sources in sorted order to an intermediate
// tempfile run.
func (s *ExternalSorter) heapMergeToEncoder(sources []mergeSource, out *nodeWriterSink) error {
	return s.drain(sources, out.write)
}

type nodeWriterSink struct{ enc *nodeEncoder }

func (w *nodeWriterSink) write(n node) error { return w.enc.Encode(n) }

func (s *ExternalSorter) drain(sources []mergeSource, emit func(node) error) error {
	h := &runHeap{cmp: s.cmp}
	for i, src := range sources {
		n, err := src.next()
		if err == io.EOF {
			continue
		}
		if err != nil {
			return fmt.Errorf("extsort: read run: %w", err)
		}
		heap.Push(h, &heapItem{n: n, srcIdx: i})
	}

	for h.Len() > 0 {
		if s.shuttingDown() {
			for _, src := range sources {
				src.close()
			}
			s.spool.Teardown()
			return ErrShutdown
		}
		it := heap.Pop(h).(*heapItem)
		if err := emit(it.n); err != nil {
			for _, src := range sources {
				src.close()
			}
			return fmt.Errorf("extsort: write: %w", err)
		}
		next, err := sources[it.srcIdx].next()
		if err == io.EOF {
			continue
		}
		if err != nil {
			for _, src := range sources {
				src.close()
			}
			return fmt.Errorf("extsort: read run: %w", err)
		}
		heap.Push(h, &heapItem{n: next, srcIdx: it.srcIdx})
	}
	for _, src := range sources {
		if err := src.close(); err != nil && s.logger != nil {
			s.logger.WithError(err).Debug("extsort: close readable run")
		}
	}
	return nil
}

func (s *ExternalSorter) copyRunToSink(idx int, header flowrecord.Header, sink flowrecord.Writer) error {
	rc, err := s.spool.Reopen(idx)
	if err != nil {
		return fmt.Errorf("extsort: reopen final run %d: %w", idx, err)
	}
	dec := newNodeDecoder(rc)
	sink.SetHeader(header)
	for {
		n, err := dec.Decode()
		if err == io.EOF {
			break
		}
		if err != nil {
			rc.Close()
			return fmt.Errorf("extsort: decode final run %d: %w", idx, err)
		}
		if err := sink.Write(n.rec); err != nil {
			rc.Close()
			return fmt.Errorf("extsort: write to sink: %w", err)
		}
	}
	rc.Close()
	s.spool.Remove(idx)
	return nil
}

type heapItem struct {
	n      node
	srcIdx int
}

type runHeap struct {
	items []*heapItem
	cmp   func(a, b []byte) int
}

func (h *runHeap) Len() int { return len(h.items) }
func (h *runHeap) Less(i, j int) bool {
	return h.cmp(h.items[i].n.key, h.items[j].n.key) < 0
}
func (h *runHeap) Swap(i, j int) { h.items[i], h.items[j] = h.items[j], h.items[i] }
func (h *runHeap) Push(x interface{}) { h.items = append(h.items, x.(*heapItem)) }
func (h *runHeap) Pop() interface{} {
	old := h.items
	n := len(old)
	it := old[n-1]
	h.items = old[:n-1]
	return it
}
