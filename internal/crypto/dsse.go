package crypto

import (
	"bytes"
	"crypto"
	"encoding/base64"
	"strconv"

	"github.com/davidahmann/anchord/pkg/types"
)

// PAE is the DSSE v1 pre-authentication encoding. Lengths count the raw
// payload bytes, not their base64 form.
func PAE(payloadType string, payload []byte) []byte {
	var buf bytes.Buffer
	buf.WriteString("DSSEv1 ")
	buf.WriteString(strconv.Itoa(len(payloadType)))
	buf.WriteByte(' ')
	buf.WriteString(payloadType)
	buf.WriteByte(' ')
	buf.WriteString(strconv.Itoa(len(payload)))
	buf.WriteByte(' ')
	buf.Write(payload)
	return buf.Bytes()
}

// MakeDSSE signs PAE(payloadType, message) and wraps it in an envelope.
func MakeDSSE(message []byte, payloadType string, kp Keypair) (types.DSSEEnvelope, error) {
	keyID, err := KeyID(kp.Public)
	if err != nil {
		return types.DSSEEnvelope{}, err
	}
	sig, err := Sign(PAE(payloadType, message), kp)
	if err != nil {
		return types.DSSEEnvelope{}, err
	}
	return types.DSSEEnvelope{
		Payload:     base64.StdEncoding.EncodeToString(message),
		PayloadType: payloadType,
		Signatures: []types.DSSESignature{{
			KeyID: keyID,
			Sig:   base64.StdEncoding.EncodeToString(sig),
		}},
	}, nil
}

// VerifyDSSE checks that one of the envelope's signatures matching pub's
// keyid verifies over the reconstructed PAE.
func VerifyDSSE(env types.DSSEEnvelope, pub crypto.PublicKey) error {
	if len(env.Signatures) == 0 {
		return ErrEnvelopeUnsigned
	}
	payload, err := base64.StdEncoding.DecodeString(env.Payload)
	if err != nil {
		return err
	}
	keyID, err := KeyID(pub)
	if err != nil {
		return err
	}
	pae := PAE(env.PayloadType, payload)
	for _, s := range env.Signatures {
		if s.KeyID != "" && s.KeyID != keyID {
			continue
		}
		sig, err := base64.StdEncoding.DecodeString(s.Sig)
		if err != nil {
			continue
		}
		if Verify(pae, pub, sig) {
			return nil
		}
	}
	return ErrEnvelopeSignature
}
