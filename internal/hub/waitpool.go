package hub

import "github.com/eapache/queue"

// waitPool holds the ids currently seeking a partner. The members set is the
// source of truth; the queue only preserves arrival order for candidate
// scans. Removal is lazy: an id leaves the set immediately and its queue slot
// becomes a ghost that compaction pops once it reaches the front.
type waitPool struct {
	members map[string]struct{}
	order   *queue.Queue
}

func newWaitPool() *waitPool {
	return &waitPool{
		members: make(map[string]struct{}),
		order:   queue.New(),
	}
}

func (p *waitPool) add(id string) {
	if _, ok := p.members[id]; ok {
		return
	}
	p.members[id] = struct{}{}
	p.order.Add(id)
}

func (p *waitPool) remove(id string) {
	delete(p.members, id)
	p.compact()
}

func (p *waitPool) contains(id string) bool {
	_, ok := p.members[id]
	return ok
}

func (p *waitPool) len() int {
	return len(p.members)
}

// scanLen is the queue length including ghosts; use with at.
func (p *waitPool) scanLen() int {
	return p.order.Length()
}

// at returns the id in queue position i and whether it is still a member.
func (p *waitPool) at(i int) (string, bool) {
	id := p.order.Get(i).(string)
	_, ok := p.members[id]
	return id, ok
}

func (p *waitPool) compact() {
	for p.order.Length() > 0 {
		front := p.order.Peek().(string)
		if _, ok := p.members[front]; ok {
			return
		}
		p.order.Remove()
	}
}
