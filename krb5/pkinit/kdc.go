package pkinit

import (
	"bytes"
	"crypto/rand"
	"crypto/sha1"
	"crypto/x509"
	"errors"
	"fmt"
	"time"

	"github.com/jcmturner/gokrb5/v8/iana/errorcode"
	"github.com/jcmturner/gokrb5/v8/iana/patype"

	krbcrypto "github.com/kardianos/gokdc/krb5/crypto"
	"github.com/kardianos/gokdc/krb5/messages"
)

// ErrDHKeyParametersNotAccepted is KDC_ERR_DH_KEY_PARAMETERS_NOT_ACCEPTED.
const ErrDHKeyParametersNotAccepted int32 = 109

// Verifier decides whether a signer certificate is trusted.
type Verifier interface {
	Verify(leaf *x509.Certificate, intermediates []*x509.Certificate, now time.Time) error
}

// PoolVerifier chains certificates to Roots.
type PoolVerifier struct {
	Roots *x509.CertPool
	// Usages are the acceptable extended key usages. Empty accepts any.
	Usages []x509.ExtKeyUsage
}

func (v PoolVerifier) Verify(leaf *x509.Certificate, intermediates []*x509.Certificate, now time.Time) error {
	pool := x509.NewCertPool()
	for _, c := range intermediates {
		if c != leaf {
			pool.AddCert(c)
		}
	}
	usages := v.Usages
	if len(usages) == 0 {
		usages = []x509.ExtKeyUsage{x509.ExtKeyUsageAny}
	}
	_, err := leaf.Verify(x509.VerifyOptions{
		Roots:         v.Roots,
		Intermediates: pool,
		CurrentTime:   now,
		KeyUsages:     usages,
	})
	return err
}

// KDC is the KDC half of PKINIT.
type KDC struct {
	Signer   *Signer
	Verifier Verifier
	Registry *krbcrypto.Registry
	// Skew bounds the age of the signed ctime. Zero means five minutes.
	Skew time.Duration
	// Groups restricts the accepted DH groups. Nil accepts KnownGroups.
	Groups []*Group
	Now    func() time.Time
}

// Request is a PA-PK-AS-REQ together with the request it arrived in.
type Request struct {
	Value []byte // pa-data value
	Body  []byte // DER encoded KDC-REQ-BODY
	Nonce int64  // req-body nonce
}

// Verified is a PA-PK-AS-REQ whose signature, trust and binding to the
// request have been checked.
type Verified struct {
	Certificate *x509.Certificate
	AuthPack    *AuthPack
}

func (k *KDC) now() time.Time {
	if k.Now != nil {
		return k.Now()
	}
	return time.Now()
}

func (k *KDC) groupAllowed(g *Group) bool {
	groups := k.Groups
	if groups == nil {
		groups = KnownGroups
	}
	for _, a := range groups {
		if a == g {
			return true
		}
	}
	return false
}

// Verify checks the signed AuthPack. Mapping the certificate to a principal
// is left to the caller.
func (k *KDC) Verify(req Request) (*Verified, error) {
	pa, err := ParsePAPKASReq(req.Value)
	if err != nil {
		return nil, messages.NewError(errorcode.KDC_ERR_PREAUTH_FAILED, "decode pa-pk-as-req: %v", err)
	}
	sd, err := VerifySignedData(pa.SignedAuthPack)
	if err != nil {
		if errors.Is(err, errNoSigner) {
			return nil, messages.NewError(errorcode.KDC_ERROR_CLIENT_NOT_TRUSTED, "%v", err)
		}
		return nil, messages.NewError(errorcode.KDC_ERROR_INVALID_SIG, "%v", err)
	}
	if !sd.ContentType.Equal(OIDAuthData) {
		return nil, messages.NewError(errorcode.KDC_ERR_PREAUTH_FAILED, "signed content type %v", sd.ContentType)
	}
	now := k.now()
	if k.Verifier == nil {
		return nil, messages.NewError(errorcode.KDC_ERROR_CLIENT_NOT_TRUSTED, "no certificate verifier configured")
	}
	if err := k.Verifier.Verify(sd.Signer, sd.Certificates, now); err != nil {
		return nil, messages.NewError(errorcode.KDC_ERR_CANT_VERIFY_CERTIFICATE, "%v", err)
	}
	ap, err := ParseAuthPack(sd.Content)
	if err != nil {
		if errors.Is(err, errUnknownGroup) {
			return nil, messages.NewError(ErrDHKeyParametersNotAccepted, "%v", err)
		}
		return nil, messages.NewError(errorcode.KDC_ERR_PREAUTH_FAILED, "decode auth pack: %v", err)
	}
	if ap.Group == nil {
		return nil, messages.NewError(errorcode.KDC_ERR_PADATA_TYPE_NOSUPP, "public key encryption mode is not supported")
	}
	if !k.groupAllowed(ap.Group) {
		return nil, messages.NewError(ErrDHKeyParametersNotAccepted, "group %s not accepted", ap.Group.Name)
	}
	if err := ap.Group.checkPublic(ap.Public); err != nil {
		return nil, messages.NewError(ErrDHKeyParametersNotAccepted, "%v", err)
	}
	auth := ap.PKAuthenticator
	sum := sha1.Sum(req.Body)
	if !bytes.Equal(auth.PAChecksum, sum[:]) {
		return nil, messages.NewError(errorcode.KRB_AP_ERR_MODIFIED, "pa-checksum does not match request body")
	}
	if auth.Nonce != req.Nonce {
		return nil, messages.NewError(errorcode.KDC_ERR_PREAUTH_FAILED, "pk-authenticator nonce mismatch")
	}
	skew := k.Skew
	if skew == 0 {
		skew = 5 * time.Minute
	}
	ctime := auth.CTime.Add(time.Duration(auth.Cusec) * time.Microsecond)
	if d := now.Sub(ctime); d > skew || d < -skew {
		return nil, messages.NewError(errorcode.KRB_AP_ERR_SKEW, "pk-authenticator time off by %v", d.Round(time.Second))
	}
	return &Verified{Certificate: sd.Signer, AuthPack: ap}, nil
}

// Reply runs the KDC side of the key agreement and returns the
// PA-PK-AS-REP and the AS reply key for etype.
func (k *KDC) Reply(v *Verified, etype int32) (messages.PAData, krbcrypto.Key, error) {
	t, err := k.Registry.Get(etype)
	if err != nil {
		return messages.PAData{}, krbcrypto.Key{}, err
	}
	ap := v.AuthPack
	dh, err := GenerateDH(ap.Group)
	if err != nil {
		return messages.PAData{}, krbcrypto.Key{}, err
	}
	secret, err := dh.SharedSecret(ap.Public)
	if err != nil {
		return messages.PAData{}, krbcrypto.Key{}, messages.NewError(ErrDHKeyParametersNotAccepted, "%v", err)
	}
	var serverNonce []byte
	if ap.DHNonce != nil {
		serverNonce = make([]byte, 32)
		if _, err := rand.Read(serverNonce); err != nil {
			return messages.PAData{}, krbcrypto.Key{}, err
		}
	}
	info := &KDCDHKeyInfo{Public: dh.Public, Nonce: ap.PKAuthenticator.Nonce}
	signed, err := k.Signer.Sign(OIDDHKeyData, info.Marshal())
	if err != nil {
		return messages.PAData{}, krbcrypto.Key{}, fmt.Errorf("sign dh key info: %w", err)
	}
	rep := &PAPKASRep{DHSignedData: signed, ServerNonce: serverNonce}
	key := krbcrypto.NewKey(etype, OctetString2Key(t.KeySize(), secret, ap.DHNonce, serverNonce))
	return messages.PAData{PADataType: patype.PA_PK_AS_REP, PADataValue: rep.Marshal()}, key, nil
}
