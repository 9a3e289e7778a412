package agent

import (
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/rasemu/internal/ras/registry"
)

// ServiceID selects a firmware-facing agent service.
type ServiceID uint32

const (
	ServiceGetAgentVersion ServiceID = 0x01
	ServiceGetNumSources   ServiceID = 0x02
	ServiceGetSourceList   ServiceID = 0x03
	ServiceSyncErrors      ServiceID = 0x04
)

func (s ServiceID) String() string {
	switch s {
	case ServiceGetAgentVersion:
		return "get-agent-version"
	case ServiceGetNumSources:
		return "get-num-sources"
	case ServiceGetSourceList:
		return "get-source-list"
	case ServiceSyncErrors:
		return "sync-errors"
	default:
		return fmt.Sprintf("service(0x%x)", uint32(s))
	}
}

// Message sizes in bytes. Every message starts with an int32 status.
const (
	VersionMessageSize    = 8
	NumSourcesMessageSize = 8
	SyncMessageSize       = 12 + 4*MaxPendingVectors
)

// Handle runs one firmware service call for hart and returns the
// little-endian response message. Unknown services yield a bare
// StatusNotSupported message.
func (a *Agent) Handle(service ServiceID, hart int) []byte {
	switch service {
	case ServiceGetAgentVersion:
		buf := make([]byte, VersionMessageSize)
		putStatus(buf, StatusSuccess)
		binary.LittleEndian.PutUint32(buf[4:], Version)
		return buf

	case ServiceGetNumSources:
		buf := make([]byte, NumSourcesMessageSize)
		sources, err := a.reg.All()
		if err != nil {
			putStatus(buf, StatusNotInitialized)
			return buf
		}
		putStatus(buf, StatusSuccess)
		binary.LittleEndian.PutUint32(buf[4:], uint32(len(sources)))
		return buf

	case ServiceGetSourceList:
		sources, err := a.reg.All()
		if err != nil {
			buf := make([]byte, 8)
			putStatus(buf, StatusNotInitialized)
			return buf
		}
		return EncodeSourceList(sources)

	case ServiceSyncErrors:
		resp, err := a.SynchronizeErrors(hart)
		if err != nil {
			a.log.Debug("ras: sync failed", "hart", hart, "err", err)
		}
		return resp.MarshalBinary()

	default:
		buf := make([]byte, 4)
		putStatus(buf, StatusNotSupported)
		return buf
	}
}

func putStatus(buf []byte, status int32) {
	binary.LittleEndian.PutUint32(buf, uint32(status))
}

// MarshalBinary encodes the response as {int32 status, uint32 returned,
// uint32 remaining, uint32 pending_vecs[16]}.
func (r SyncResponse) MarshalBinary() []byte {
	buf := make([]byte, SyncMessageSize)
	putStatus(buf[0:], r.Status)
	binary.LittleEndian.PutUint32(buf[4:], r.Returned)
	binary.LittleEndian.PutUint32(buf[8:], r.Remaining)
	for i, v := range r.PendingVecs {
		if i == MaxPendingVectors {
			break
		}
		binary.LittleEndian.PutUint32(buf[12+4*i:], uint32(v))
	}
	return buf
}

// DecodeSyncResponse parses a message produced by MarshalBinary.
func DecodeSyncResponse(buf []byte) (SyncResponse, error) {
	if len(buf) < SyncMessageSize {
		return SyncResponse{}, fmt.Errorf("agent: sync message is %d bytes, want %d", len(buf), SyncMessageSize)
	}
	r := SyncResponse{
		Status:    int32(binary.LittleEndian.Uint32(buf[0:])),
		Returned:  binary.LittleEndian.Uint32(buf[4:]),
		Remaining: binary.LittleEndian.Uint32(buf[8:]),
	}
	if r.Returned > MaxPendingVectors {
		return SyncResponse{}, fmt.Errorf("agent: sync message returns %d vectors, max %d", r.Returned, MaxPendingVectors)
	}
	for i := 0; i < int(r.Returned); i++ {
		r.PendingVecs = append(r.PendingVecs, registry.Vector(binary.LittleEndian.Uint32(buf[12+4*i:])))
	}
	return r, nil
}

// EncodeSourceList encodes {int32 status, uint32 count, {uint32 vendor,
// uint32 instance, uint32 vector}[count]}.
func EncodeSourceList(sources []registry.RegisteredSource) []byte {
	buf := make([]byte, 8+12*len(sources))
	putStatus(buf, StatusSuccess)
	binary.LittleEndian.PutUint32(buf[4:], uint32(len(sources)))
	for i, src := range sources {
		off := 8 + 12*i
		binary.LittleEndian.PutUint32(buf[off:], src.ID.VendorID)
		binary.LittleEndian.PutUint32(buf[off+4:], src.ID.InstanceID)
		binary.LittleEndian.PutUint32(buf[off+8:], uint32(src.Vector))
	}
	return buf
}
