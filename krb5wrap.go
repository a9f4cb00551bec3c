// SPDX-License-Identifier: GPL-3.0-or-later

package tstream

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/jcmturner/gokrb5/v8/crypto"
	"github.com/jcmturner/gokrb5/v8/crypto/etype"
	"github.com/jcmturner/gokrb5/v8/gssapi"
	"github.com/jcmturner/gokrb5/v8/iana/keyusage"
	"github.com/jcmturner/gokrb5/v8/types"
)

// RFC 4121 wrap token flags.
const (
	krb5FlagSentByAcceptor = 0x01
	krb5FlagSealed         = 0x02
)

// krb5DefaultMaxInput is the default largest plaintext wrapped at once.
const krb5DefaultMaxInput = 64 * 1024

// Krb5WrapContext is a [SecurityContext] producing RFC 4121 wrap tokens
// with an established Kerberos session key.
//
// Integrity-only tokens are built with [gssapi.WrapToken]. Sealed tokens
// carry header | encrypt(plaintext | header copy) with EC and RRC zero in
// the encrypted copy. Tokens must arrive in order: each one must carry the
// next expected sequence number and the peer's direction flag.
type Krb5WrapContext struct {
	etype     etype.EType
	initiator bool
	key       types.EncryptionKey
	maxInput  int
	recvSeq   uint64
	sealed    bool
	sendSeq   uint64
}

var _ SecurityContext = &Krb5WrapContext{}

// NewKrb5WrapContext creates a [*Krb5WrapContext].
//
// The initiator argument tells which side of the GSS context we are. The
// sealed argument selects confidentiality in addition to integrity.
func NewKrb5WrapContext(key types.EncryptionKey, initiator, sealed bool) (*Krb5WrapContext, error) {
	et, err := crypto.GetEtype(key.KeyType)
	if err != nil {
		return nil, newError(KindSecurity, "krb5 wrap", fmt.Errorf("%w: %w", ErrWrapFailed, err))
	}
	return &Krb5WrapContext{
		etype:     et,
		initiator: initiator,
		key:       key,
		maxInput:  krb5DefaultMaxInput,
		sealed:    sealed,
	}, nil
}

// SetMaxInputSize overrides the largest plaintext wrapped at once.
func (c *Krb5WrapContext) SetMaxInputSize(size int) {
	c.maxInput = size
}

// MaxInputSize implements [SecurityContext].
func (c *Krb5WrapContext) MaxInputSize() int {
	return c.maxInput
}

// MaxWrappedSize implements [SecurityContext].
func (c *Krb5WrapContext) MaxWrappedSize() int {
	return c.maxInput + c.overhead()
}

func (c *Krb5WrapContext) overhead() int {
	hmacLen := c.etype.GetHMACBitLength() / 8
	if c.sealed {
		return gssapi.HdrLen + c.etype.GetConfounderByteSize() + gssapi.HdrLen + hmacLen
	}
	return gssapi.HdrLen + hmacLen
}

func (c *Krb5WrapContext) sendUsage() uint32 {
	if c.initiator {
		return keyusage.GSSAPI_INITIATOR_SEAL
	}
	return keyusage.GSSAPI_ACCEPTOR_SEAL
}

func (c *Krb5WrapContext) recvUsage() uint32 {
	if c.initiator {
		return keyusage.GSSAPI_ACCEPTOR_SEAL
	}
	return keyusage.GSSAPI_INITIATOR_SEAL
}

func (c *Krb5WrapContext) sendFlags() byte {
	var flags byte
	if !c.initiator {
		flags |= krb5FlagSentByAcceptor
	}
	if c.sealed {
		flags |= krb5FlagSealed
	}
	return flags
}

// Wrap implements [SecurityContext].
func (c *Krb5WrapContext) Wrap(plaintext []byte) ([]byte, error) {
	if len(plaintext) > c.maxInput {
		return nil, fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, len(plaintext))
	}
	var (
		token []byte
		err   error
	)
	if c.sealed {
		token, err = c.wrapSealed(plaintext)
	} else {
		token, err = c.wrapIntegrity(plaintext)
	}
	if err != nil {
		return nil, err
	}
	c.sendSeq++
	return token, nil
}

func (c *Krb5WrapContext) wrapIntegrity(plaintext []byte) ([]byte, error) {
	wt := gssapi.WrapToken{
		Flags:     c.sendFlags(),
		EC:        uint16(c.etype.GetHMACBitLength() / 8),
		SndSeqNum: c.sendSeq,
		Payload:   append([]byte{}, plaintext...),
	}
	if err := wt.SetCheckSum(c.key, c.sendUsage()); err != nil {
		return nil, err
	}
	return wt.Marshal()
}

func (c *Krb5WrapContext) wrapSealed(plaintext []byte) ([]byte, error) {
	header := make([]byte, gssapi.HdrLen)
	header[0], header[1] = 0x05, 0x04
	header[2] = c.sendFlags()
	header[3] = gssapi.FillerByte
	binary.BigEndian.PutUint64(header[8:], c.sendSeq)

	// EC is zero: no filler is needed by the CTS etypes.
	toEncrypt := make([]byte, 0, len(plaintext)+gssapi.HdrLen)
	toEncrypt = append(toEncrypt, plaintext...)
	toEncrypt = append(toEncrypt, header...)
	_, ciphertext, err := c.etype.EncryptMessage(c.key.KeyValue, toEncrypt, c.sendUsage())
	if err != nil {
		return nil, err
	}
	return append(header, ciphertext...), nil
}

// Unwrap implements [SecurityContext].
func (c *Krb5WrapContext) Unwrap(token []byte) ([]byte, error) {
	if len(token) < gssapi.HdrLen {
		return nil, errors.New("krb5: token shorter than header")
	}
	if sealed := token[2]&krb5FlagSealed != 0; sealed != c.sealed {
		return nil, errors.New("krb5: unexpected protection level")
	}
	var (
		plaintext []byte
		seq       uint64
		err       error
	)
	if c.sealed {
		plaintext, seq, err = c.unwrapSealed(token)
	} else {
		plaintext, seq, err = c.unwrapIntegrity(token)
	}
	if err != nil {
		return nil, err
	}
	if seq != c.recvSeq {
		return nil, fmt.Errorf("krb5: sequence number %d, expected %d", seq, c.recvSeq)
	}
	c.recvSeq++
	return plaintext, nil
}

func (c *Krb5WrapContext) unwrapIntegrity(token []byte) ([]byte, uint64, error) {
	var wt gssapi.WrapToken
	if err := wt.Unmarshal(token, c.initiator); err != nil {
		return nil, 0, err
	}
	ok, err := wt.Verify(c.key, c.recvUsage())
	if err != nil {
		return nil, 0, err
	}
	if !ok {
		return nil, 0, errors.New("krb5: checksum mismatch")
	}
	return wt.Payload, wt.SndSeqNum, nil
}

func (c *Krb5WrapContext) unwrapSealed(token []byte) ([]byte, uint64, error) {
	if token[0] != 0x05 || token[1] != 0x04 {
		return nil, 0, errors.New("krb5: wrong token ID")
	}
	fromAcceptor := token[2]&krb5FlagSentByAcceptor != 0
	if fromAcceptor != c.initiator {
		return nil, 0, errors.New("krb5: token sent in the wrong direction")
	}
	ec := int(binary.BigEndian.Uint16(token[4:6]))
	rrc := int(binary.BigEndian.Uint16(token[6:8]))
	seq := binary.BigEndian.Uint64(token[8:16])

	ciphertext := rotateLeft(token[gssapi.HdrLen:], rrc)
	if len(ciphertext) < c.etype.GetConfounderByteSize()+c.etype.GetHMACBitLength()/8 {
		return nil, 0, errors.New("krb5: ciphertext too short")
	}
	decrypted, err := crypto.DecryptMessage(ciphertext, c.key, c.recvUsage())
	if err != nil {
		return nil, 0, err
	}
	end := len(decrypted) - gssapi.HdrLen - ec
	if end < 0 {
		return nil, 0, errors.New("krb5: decrypted token too short")
	}
	// The encrypted copy carries EC but a zero RRC.
	want := bytes.Clone(token[:gssapi.HdrLen])
	binary.BigEndian.PutUint16(want[6:8], 0)
	if !bytes.Equal(decrypted[len(decrypted)-gssapi.HdrLen:], want) {
		return nil, 0, errors.New("krb5: encrypted header mismatch")
	}
	return decrypted[:end], seq, nil
}

// rotateLeft undoes the right rotation by n applied by the sender.
func rotateLeft(data []byte, n int) []byte {
	if len(data) == 0 {
		return data
	}
	n %= len(data)
	if n == 0 {
		return data
	}
	out := make([]byte, 0, len(data))
	out = append(out, data[n:]...)
	return append(out, data[:n]...)
}
