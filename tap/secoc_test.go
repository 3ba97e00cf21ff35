package tap

import (
	"bytes"
	"testing"

	"github.com/cantools/isotap/tp"
)

var testKey = []byte("0123456789abcdef") // 16-byte AES-128 key

func TestNewAuthenticator_RejectsBadKey(t *testing.T) {
	if _, err := NewAuthenticator([]byte("short"), 4); err == nil {
		t.Fatal("a non-AES key length must be rejected")
	}
}

func TestAuthenticator_TagAndVerify(t *testing.T) {
	auth, err := NewAuthenticator(testKey, 4)
	if err != nil {
		t.Fatal(err)
	}

	pdu, err := tp.NewSingleFramePDU([]byte{0x50, 0x01, 0x00})
	if err != nil {
		t.Fatal(err)
	}

	if err := auth.Tag(&pdu); err != nil {
		t.Fatal(err)
	}
	if pdu.PCI.SFDataLen != 7 {
		t.Fatalf("expected payload 3 + tag 4 = 7, got %d", pdu.PCI.SFDataLen)
	}
	if !bytes.Equal(pdu.Data[:3], []byte{0x50, 0x01, 0x00}) {
		t.Errorf("tagging must not change the payload: %x", pdu.Data[:3])
	}
	if !auth.Verify(&pdu) {
		t.Fatal("a freshly tagged unit must verify")
	}
}

func TestAuthenticator_DetectsTamper(t *testing.T) {
	auth, _ := NewAuthenticator(testKey, 4)

	pdu, _ := tp.NewSingleFramePDU([]byte{0x27, 0x02})
	if err := auth.Tag(&pdu); err != nil {
		t.Fatal(err)
	}

	pdu.Data[1] ^= 0x01
	if auth.Verify(&pdu) {
		t.Fatal("a tampered payload must not verify")
	}
}

func TestAuthenticator_WrongKeyFails(t *testing.T) {
	auth, _ := NewAuthenticator(testKey, 4)
	other, _ := NewAuthenticator([]byte("fedcba9876543210"), 4)

	pdu, _ := tp.NewSingleFramePDU([]byte{0x3E, 0x00})
	if err := auth.Tag(&pdu); err != nil {
		t.Fatal(err)
	}
	if other.Verify(&pdu) {
		t.Fatal("a tag must not verify under a different key")
	}
}

func TestAuthenticator_SkipsWhatItCannotTag(t *testing.T) {
	auth, _ := NewAuthenticator(testKey, 4)

	// Payload too long: 4 + 4 > 7, the unit goes out untouched.
	long, _ := tp.NewSingleFramePDU([]byte{0x62, 0xF1, 0x90, 0x57})
	before := long
	if err := auth.Tag(&long); err != nil {
		t.Fatal(err)
	}
	if long != before {
		t.Error("an untaggable single frame must pass unchanged")
	}

	// Non-single-frame units are never tagged.
	var ff tp.PDU
	ff.PCI.Type = tp.PCIFirstFrame
	ff.PCI.FFDataLen = 20
	ff.DataLen = 6
	beforeFF := ff
	if err := auth.Tag(&ff); err != nil {
		t.Fatal(err)
	}
	if ff != beforeFF {
		t.Error("segmented units must pass unchanged")
	}
}

func TestAuthenticator_TagLenClamped(t *testing.T) {
	auth, err := NewAuthenticator(testKey, 9)
	if err != nil {
		t.Fatal(err)
	}

	pdu, _ := tp.NewSingleFramePDU([]byte{0x3E})
	if err := auth.Tag(&pdu); err != nil {
		t.Fatal(err)
	}
	if pdu.PCI.SFDataLen != 5 {
		t.Errorf("tag length must clamp to 4 bytes, SF_DL became %d", pdu.PCI.SFDataLen)
	}
}
