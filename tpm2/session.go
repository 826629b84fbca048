package tpm2

import (
	"sync"

	"github.com/golang/glog"

	"github.com/tpmcore/tpm2mmio/mmio"
)

// transport is the minimal shape both CrbTransport and TisTransport
// satisfy: submit a raw command frame, get back a raw response frame.
type transport interface {
	Command(cmd []byte) ([]byte, error)
}

// Session owns one locality-0 transport and serializes every command sent
// through it. The wire protocol declines to define what happens when two
// callers submit commands concurrently, so this package picks the
// conservative answer: one command in flight at a time, guarded by a
// mutex, exactly the way a single physical register file demands.
type Session struct {
	mu        sync.Mutex
	transport transport
	iface     Interface
}

// Open locates, classifies, and connects to the locality-0 TPM, returning a
// Session ready to submit commands.
func Open(discovery *InterfaceDiscovery, mapper mmio.Mapper, timer Timer) (*Session, error) {
	result, err := discovery.DiscoverDirect()
	if err != nil {
		return nil, err
	}
	return newSessionFor(result, mapper, timer)
}

func newSessionFor(result DiscoveryResult, mapper mmio.Mapper, timer Timer) (*Session, error) {
	switch result.Interface {
	case InterfaceCRB:
		return &Session{transport: NewCrbTransport(mapper, result.BaseAddress, timer, result.IdleBypass), iface: InterfaceCRB}, nil
	case InterfaceFIFO, InterfaceTIS:
		return &Session{transport: NewTisTransport(mapper, result.BaseAddress, timer), iface: result.Interface}, nil
	default:
		return nil, newErr("Open", KindDeviceNotConnected, nil)
	}
}

// Interface reports which register protocol this Session negotiated.
func (s *Session) Interface() Interface { return s.iface }

// ReadPublic issues TPM2_ReadPublic for objectHandle and decodes the
// response, holding the session mutex for the full round trip.
func (s *Session) ReadPublic(objectHandle uint32) (ReadPublicResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cmd := EncodeReadPublic(ReadPublicCommand{ObjectHandle: objectHandle})
	glog.V(2).Infof("tpm2: submitting ReadPublic for handle 0x%08x over %s", objectHandle, s.iface)

	resp, err := s.transport.Command(cmd)
	if err != nil {
		// The transport already returns a kind-precise error; ReadPublic
		// does not further translate it.
		return ReadPublicResponse{}, err
	}
	return DecodeReadPublic(resp)
}
