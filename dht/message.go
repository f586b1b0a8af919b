package dht

// Method names an RPC verb. The set is closed: inbound requests for any
// other method are dropped.
type Method string

const (
	PING       Method = "PING"
	STORE      Method = "STORE"
	FIND_NODE  Method = "FIND_NODE"
	FIND_VALUE Method = "FIND_VALUE"
	FIND_RANGE Method = "FIND_RANGE"
)

var methods = map[Method]struct{}{
	PING:       {},
	STORE:      {},
	FIND_NODE:  {},
	FIND_VALUE: {},
	FIND_RANGE: {},
}

func (m Method) Valid() bool {
	_, ok := methods[m]
	return ok
}

// Message is the wire envelope. A message without a method is a response
// and carries the id of the request it answers.
type Message struct {
	ID     string  `json:"id" msgpack:"id"`
	Method Method  `json:"method,omitempty" msgpack:"method,omitempty"`
	Params *Params `json:"params,omitempty" msgpack:"params,omitempty"`
	Result *Result `json:"result,omitempty" msgpack:"result,omitempty"`
	Error  string  `json:"error,omitempty" msgpack:"error,omitempty"`
}

// Params holds the arguments of every request verb:
//
//	PING{contact}
//	STORE{item, contact}
//	FIND_NODE{key, contact}
//	FIND_VALUE{key, contact}
//	FIND_RANGE{key, contact}
type Params struct {
	Contact ContactInfo `json:"contact" msgpack:"contact"`
	Key     string      `json:"key,omitempty" msgpack:"key,omitempty"`
	Item    *Item       `json:"item,omitempty" msgpack:"item,omitempty"`
}

// Result holds the reply payload; Nodes and Item are mutually exclusive.
type Result struct {
	Contact ContactInfo   `json:"contact" msgpack:"contact"`
	Nodes   []ContactInfo `json:"nodes,omitempty" msgpack:"nodes,omitempty"`
	Item    *Item         `json:"item,omitempty" msgpack:"item,omitempty"`
}

func (m *Message) IsRequest() bool {
	return m.Method != ""
}

func NewRequest(method Method, self Contact, key string) *Message {
	return &Message{
		Method: method,
		Params: &Params{Contact: self.Info(), Key: key},
	}
}

func NewStoreRequest(self Contact, item *Item) *Message {
	return &Message{
		Method: STORE,
		Params: &Params{Contact: self.Info(), Item: item},
	}
}

// NewResponse answers req; id correlation is the only link between the two.
func NewResponse(req *Message, self Contact) *Message {
	return &Message{
		ID:     req.ID,
		Result: &Result{Contact: self.Info()},
	}
}
