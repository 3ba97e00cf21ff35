package tap

import (
	"crypto/aes"

	"github.com/chmike/cmac-go"

	"github.com/cantools/isotap/tp"
)

// Authenticator appends a truncated AES-CMAC tag to outbound single-frame
// payloads, the way on-board secure communication stacks tag their PDUs.
// Receivers sharing the key can verify the tap as the sender of a rewrite.
type Authenticator struct {
	key    []byte
	tagLen int
}

// NewAuthenticator builds an authenticator from a 16, 24 or 32 byte AES key.
// tagLen is clamped to 1..4 bytes; longer tags rarely fit next to a payload
// in a classic frame.
func NewAuthenticator(key []byte, tagLen int) (*Authenticator, error) {
	// Fail fast on an unusable key instead of at the first Tag call.
	if _, err := cmac.New(aes.NewCipher, key); err != nil {
		return nil, err
	}
	if tagLen < 1 {
		tagLen = 1
	}
	if tagLen > 4 {
		tagLen = 4
	}
	return &Authenticator{key: append([]byte(nil), key...), tagLen: tagLen}, nil
}

// Tag appends the truncated MAC to a single-frame unit when it fits. Units
// of other kinds, or payloads too long to take the tag, pass unchanged:
// authentication must never break a frame.
func (a *Authenticator) Tag(pdu *tp.PDU) error {
	if pdu.PCI.Type != tp.PCISingleFrame {
		return nil
	}
	if int(pdu.PCI.SFDataLen)+a.tagLen > 7 {
		return nil
	}

	cm, err := cmac.New(aes.NewCipher, a.key)
	if err != nil {
		return err
	}
	cm.Write(pdu.Payload())
	mac := cm.Sum(nil)

	n := pdu.PCI.SFDataLen
	copy(pdu.Data[n:], mac[:a.tagLen])
	pdu.PCI.SFDataLen = n + uint8(a.tagLen)
	pdu.DataLen = pdu.PCI.SFDataLen
	return nil
}

// Verify checks the trailing tag of a single-frame unit against the shared
// key. It reports false for units without room for a tag.
func (a *Authenticator) Verify(pdu *tp.PDU) bool {
	if pdu.PCI.Type != tp.PCISingleFrame {
		return false
	}
	if int(pdu.PCI.SFDataLen) <= a.tagLen {
		return false
	}

	n := int(pdu.PCI.SFDataLen) - a.tagLen
	cm, err := cmac.New(aes.NewCipher, a.key)
	if err != nil {
		return false
	}
	cm.Write(pdu.Data[:n])
	mac := cm.Sum(nil)

	got := pdu.Data[n:pdu.PCI.SFDataLen]
	for i := 0; i < a.tagLen; i++ {
		if got[i] != mac[i] {
			return false
		}
	}
	return true
}
