package dht

import (
	"encoding/hex"
	"fmt"
	"net"
	"strconv"

	"github.com/kutluhann/overlay-dht/id_tools"
)

// Contact is a peer in the overlay. Two contacts are the same peer when
// their ids are equal; implementations are immutable.
type Contact interface {
	ID() NodeID
	Address() string
	Port() int
	Info() ContactInfo
	String() string
}

// ContactInfo is the serialized form of a Contact as it travels on the wire.
type ContactInfo struct {
	NodeID    NodeID `json:"nodeID" msgpack:"nodeID"`
	Address   string `json:"address" msgpack:"address"`
	Port      int    `json:"port" msgpack:"port"`
	Account   string `json:"account,omitempty" msgpack:"account,omitempty"`
	PublicKey string `json:"public_key,omitempty" msgpack:"public_key,omitempty"`
}

// AddressPortContact is a peer known only by its network address.
type AddressPortContact struct {
	id      NodeID
	address string
	port    int
}

// NewAddressPortContact builds a contact whose id is derived from address:port.
func NewAddressPortContact(address string, port int) (*AddressPortContact, error) {
	if err := checkAddress(address, port); err != nil {
		return nil, err
	}
	return &AddressPortContact{id: id_tools.FromAddress(address, port), address: address, port: port}, nil
}

// NewContact builds a contact for an id that was derived elsewhere.
func NewContact(id NodeID, address string, port int) (*AddressPortContact, error) {
	if err := checkAddress(address, port); err != nil {
		return nil, err
	}
	if id.IsZero() {
		return nil, fmt.Errorf("invalid contact: zero node id")
	}
	return &AddressPortContact{id: id, address: address, port: port}, nil
}

func (c *AddressPortContact) ID() NodeID      { return c.id }
func (c *AddressPortContact) Address() string { return c.address }
func (c *AddressPortContact) Port() int       { return c.port }

func (c *AddressPortContact) String() string {
	return net.JoinHostPort(c.address, strconv.Itoa(c.port))
}

func (c *AddressPortContact) Info() ContactInfo {
	return ContactInfo{NodeID: c.id, Address: c.address, Port: c.port}
}

// AccountContact is an address contact that also advertises an account name
// and public key. Its id is still derived from address:port.
type AccountContact struct {
	AddressPortContact
	account   string
	publicKey string
}

func NewAccountContact(address string, port int, account, publicKey string) (*AccountContact, error) {
	base, err := NewAddressPortContact(address, port)
	if err != nil {
		return nil, err
	}
	return &AccountContact{AddressPortContact: *base, account: account, publicKey: publicKey}, nil
}

func (c *AccountContact) Account() string   { return c.account }
func (c *AccountContact) PublicKey() string { return c.publicKey }

func (c *AccountContact) Info() ContactInfo {
	info := c.AddressPortContact.Info()
	info.Account = c.account
	info.PublicKey = c.publicKey
	return info
}

// KeyContact is a peer whose id is derived from its public key.
type KeyContact struct {
	AddressPortContact
	publicKey string
}

func NewKeyContact(address string, port int, publicKeyHex string) (*KeyContact, error) {
	if err := checkAddress(address, port); err != nil {
		return nil, err
	}
	raw, err := hex.DecodeString(publicKeyHex)
	if err != nil || len(raw) == 0 {
		return nil, fmt.Errorf("invalid contact public key %q", publicKeyHex)
	}
	return &KeyContact{
		AddressPortContact: AddressPortContact{id: id_tools.FromPublicKey(raw), address: address, port: port},
		publicKey:          publicKeyHex,
	}, nil
}

func (c *KeyContact) PublicKey() string { return c.publicKey }

func (c *KeyContact) Info() ContactInfo {
	info := c.AddressPortContact.Info()
	info.PublicKey = c.publicKey
	return info
}

// ContactFactory turns wire contact info into a Contact.
type ContactFactory func(ContactInfo) (Contact, error)

// DecodeContact is the default ContactFactory. Account contacts and key
// contacts re-derive their id from their fields; plain contacts keep the id
// they were advertised with, or derive it from address:port when it is empty.
func DecodeContact(info ContactInfo) (Contact, error) {
	switch {
	case info.Account != "":
		return NewAccountContact(info.Address, info.Port, info.Account, info.PublicKey)
	case info.PublicKey != "":
		return NewKeyContact(info.Address, info.Port, info.PublicKey)
	case info.NodeID.IsZero():
		return NewAddressPortContact(info.Address, info.Port)
	default:
		return NewContact(info.NodeID, info.Address, info.Port)
	}
}

func checkAddress(address string, port int) error {
	if address == "" {
		return fmt.Errorf("invalid contact: empty address")
	}
	if port <= 0 || port > 65535 {
		return fmt.Errorf("invalid contact: port %d out of range", port)
	}
	return nil
}

func contactInfos(contacts []Contact) []ContactInfo {
	out := make([]ContactInfo, 0, len(contacts))
	for _, c := range contacts {
		out = append(out, c.Info())
	}
	return out
}
