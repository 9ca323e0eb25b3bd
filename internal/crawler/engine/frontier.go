package engine

import "sync"

// Entry is a pending unit of work: a normalized URL and the depth it was found at.
type Entry struct {
	URL   string
	Depth int
}

// Frontier is the depth-tagged work queue together with the visited set.
// Queue, visited set and the in-flight counter share one lock.
type Frontier struct {
	mu   sync.Mutex
	cond *sync.Cond

	maxDepth int
	queue    []Entry
	visited  map[string]struct{}
	known    map[string]struct{}
	inFlight int
	closed   bool
}

func NewFrontier(maxDepth int) *Frontier {
	f := &Frontier{
		maxDepth: maxDepth,
		visited:  make(map[string]struct{}),
		known:    make(map[string]struct{}),
	}
	f.cond = sync.NewCond(&f.mu)
	return f
}

// Enqueue adds url at depth unless the depth bound is exceeded, the url was
// already claimed, or the frontier is closed.
func (f *Frontier) Enqueue(url string, depth int) bool {
	if depth < 0 || depth > f.maxDepth {
		return false
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return false
	}
	if _, seen := f.visited[url]; seen {
		return false
	}
	f.queue = append(f.queue, Entry{URL: url, Depth: depth})
	f.known[url] = struct{}{}
	f.cond.Signal()
	return true
}

// TryClaim marks url visited. Only the first caller for a given url gets true.
func (f *Frontier) TryClaim(url string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return false
	}
	if _, seen := f.visited[url]; seen {
		return false
	}
	f.visited[url] = struct{}{}
	return true
}

// Dequeue pops the oldest entry without blocking.
func (f *Frontier) Dequeue() (Entry, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.popLocked()
}

// Next pops the oldest entry and counts it as in flight; the caller must call
// Done once the entry is handled. When the queue is empty Next waits as long as
// some other entry is still in flight, since that entry may produce new links.
// It returns false when the queue is drained with nothing in flight, or after Close.
func (f *Frontier) Next() (Entry, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for {
		if f.closed {
			return Entry{}, false
		}
		if e, ok := f.popLocked(); ok {
			f.inFlight++
			return e, true
		}
		if f.inFlight == 0 {
			// Wake the other waiters so they observe the drained frontier too.
			f.cond.Broadcast()
			return Entry{}, false
		}
		f.cond.Wait()
	}
}

// Done releases an entry obtained from Next.
func (f *Frontier) Done() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.inFlight > 0 {
		f.inFlight--
	}
	f.cond.Broadcast()
}

// Close stops handing out entries. Entries already in flight are unaffected.
func (f *Frontier) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.cond.Broadcast()
}

func (f *Frontier) Visited() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.visited)
}

// Discovered counts the distinct urls ever accepted by Enqueue.
func (f *Frontier) Discovered() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.known)
}

func (f *Frontier) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queue)
}

func (f *Frontier) InFlight() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inFlight
}

func (f *Frontier) popLocked() (Entry, bool) {
	if len(f.queue) == 0 {
		return Entry{}, false
	}
	e := f.queue[0]
	f.queue[0] = Entry{}
	f.queue = f.queue[1:]
	return e, true
}
