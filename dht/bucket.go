package dht

// Bucket holds up to capacity contacts ordered from least recently seen
// (head) to most recently seen (tail). It is not safe for concurrent use;
// the routing table serializes access.
type Bucket struct {
	contacts []Contact
	capacity int
}

func NewBucket(capacity int) *Bucket {
	return &Bucket{
		contacts: make([]Contact, 0, capacity),
		capacity: capacity,
	}
}

// Add records that contact was seen. A known contact moves to the tail and
// a new one is appended while there is room. When the bucket is full the
// least recently seen contact is returned with full set; the caller decides
// whether to Replace it.
func (b *Bucket) Add(contact Contact) (lru Contact, full bool) {
	if b.touch(contact) {
		return nil, false
	}

	if len(b.contacts) < b.capacity {
		b.contacts = append(b.contacts, contact)
		return nil, false
	}

	return b.contacts[0], true
}

// Replace evicts old (if still present) and appends contact when room allows.
func (b *Bucket) Replace(old, contact Contact) bool {
	b.Remove(old.ID())
	if b.indexOf(contact.ID()) != -1 || len(b.contacts) >= b.capacity {
		return false
	}
	b.contacts = append(b.contacts, contact)
	return true
}

// Touch moves a known contact to the most recently seen position.
func (b *Bucket) Touch(id NodeID) bool {
	i := b.indexOf(id)
	if i == -1 {
		return false
	}
	c := b.contacts[i]
	b.contacts = append(b.contacts[:i], b.contacts[i+1:]...)
	b.contacts = append(b.contacts, c)
	return true
}

func (b *Bucket) Remove(id NodeID) bool {
	i := b.indexOf(id)
	if i == -1 {
		return false
	}
	b.contacts = append(b.contacts[:i], b.contacts[i+1:]...)
	return true
}

func (b *Bucket) Has(id NodeID) bool {
	return b.indexOf(id) != -1
}

// ClosestTo returns the members sorted by ascending XOR distance to id.
func (b *Bucket) ClosestTo(id NodeID) []Contact {
	out := b.Contacts()
	sortByDistance(out, id)
	return out
}

// Contacts returns a copy, head first.
func (b *Bucket) Contacts() []Contact {
	snapshot := make([]Contact, len(b.contacts))
	copy(snapshot, b.contacts)
	return snapshot
}

func (b *Bucket) Len() int {
	return len(b.contacts)
}

// touch refreshes contact in place, keeping the newest address data.
func (b *Bucket) touch(contact Contact) bool {
	i := b.indexOf(contact.ID())
	if i == -1 {
		return false
	}
	b.contacts = append(b.contacts[:i], b.contacts[i+1:]...)
	b.contacts = append(b.contacts, contact)
	return true
}

func (b *Bucket) indexOf(id NodeID) int {
	for i, existing := range b.contacts {
		if existing.ID() == id {
			return i
		}
	}
	return -1
}
