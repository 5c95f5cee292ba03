// Package envelope implements the self-describing CBOR wire format shared
// by the gradient, credit, and election protocols over gossip (spec §6).
package envelope

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/vudo/enr/pkg/identity"
)

// Gossip topics for the envelope protocols (spec §6).
const (
	GradientTopic = "/vudo/enr/gradient/1.0.0"
	CreditTopic   = "/vudo/enr/credits/1.0.0"
	ElectionTopic = "/vudo/enr/election/1.0.0"
	SeptalTopic   = "/vudo/enr/septal/1.0.0"
	RaftTopic     = "/vudo/enr/raft/1.0.0"
)

// Kind tags the outer envelope variant.
type Kind uint8

const (
	KindGradientUpdate Kind = iota + 1
	KindCreditTransfer
	KindBalanceQuery
	KindBalanceResponse
	KindElection
)

func (k Kind) String() string {
	switch k {
	case KindGradientUpdate:
		return "GradientUpdate"
	case KindCreditTransfer:
		return "CreditTransfer"
	case KindBalanceQuery:
		return "BalanceQuery"
	case KindBalanceResponse:
		return "BalanceResponse"
	case KindElection:
		return "Election"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

var canonical = cbor.CanonicalEncOptions()

func mustEncMode() cbor.EncMode {
	mode, err := canonical.EncMode()
	if err != nil {
		panic(fmt.Sprintf("envelope: invalid canonical cbor options: %v", err))
	}
	return mode
}

var encMode = mustEncMode()

// signedBody is the part of the envelope that the signature covers:
// the tag and the body, but never the signature itself.
type signedBody struct {
	Kind Kind            `cbor:"1,keyasint"`
	Body cbor.RawMessage `cbor:"2,keyasint"`
}

// Envelope is the tagged variant wrapping every message exchanged over the
// gossip topics above. Encoding is self-describing CBOR; Signature covers
// the canonical encoding of Kind+Body, excluding itself.
type Envelope struct {
	Kind      Kind            `cbor:"1,keyasint"`
	Body      cbor.RawMessage `cbor:"2,keyasint"`
	Signature []byte          `cbor:"3,keyasint,omitempty"`
}

// Topic returns the gossip topic this envelope should be published to.
func (e *Envelope) Topic() string {
	switch e.Kind {
	case KindGradientUpdate:
		return GradientTopic
	case KindCreditTransfer, KindBalanceQuery, KindBalanceResponse:
		return CreditTopic
	case KindElection:
		return ElectionTopic
	default:
		return ""
	}
}

// SigningBytes produces the canonical encoding of Kind+Body that a
// signature is computed over.
func (e *Envelope) SigningBytes() ([]byte, error) {
	b, err := encMode.Marshal(signedBody{Kind: e.Kind, Body: e.Body})
	if err != nil {
		return nil, fmt.Errorf("envelope: canonical encode for signing: %w", err)
	}
	return b, nil
}

// Sign computes and attaches the signature over the canonical body.
func (e *Envelope) Sign(key *identity.NodeKey) error {
	bytes, err := e.SigningBytes()
	if err != nil {
		return err
	}
	sig, err := key.Sign(bytes)
	if err != nil {
		return fmt.Errorf("envelope: sign: %w", err)
	}
	e.Signature = sig
	return nil
}

// VerifySignature checks the envelope's signature against the claimed
// signer's NodeId.
func (e *Envelope) VerifySignature(signer identity.NodeId) (bool, error) {
	if len(e.Signature) == 0 {
		return false, nil
	}
	bytes, err := e.SigningBytes()
	if err != nil {
		return false, err
	}
	return identity.Verify(signer, bytes, e.Signature)
}

// Encode serializes the full envelope (including signature) to CBOR.
func (e *Envelope) Encode() ([]byte, error) {
	b, err := encMode.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("envelope: encode: %w", err)
	}
	return b, nil
}

// Decode deserializes an Envelope from CBOR bytes.
func Decode(data []byte) (*Envelope, error) {
	var e Envelope
	if err := cbor.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("envelope: decode: %w", err)
	}
	return &e, nil
}

func newEnvelope(kind Kind, body interface{}) (*Envelope, error) {
	raw, err := encMode.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("envelope: encode body for %s: %w", kind, err)
	}
	return &Envelope{Kind: kind, Body: raw}, nil
}

func (e *Envelope) expect(kind Kind) error {
	if e.Kind != kind {
		return fmt.Errorf("envelope: expected %s, got %s", kind, e.Kind)
	}
	return nil
}

// --- GradientUpdate ---

// ResourceGradient is a peer's self-reported current resource availability.
type ResourceGradient struct {
	UptimeRatio   float64 `cbor:"1,keyasint"`
	BandwidthMbps float64 `cbor:"2,keyasint"`
	CPULoad       float64 `cbor:"3,keyasint"`
	MemAvailable  float64 `cbor:"4,keyasint"`
}

// GradientUpdate is a resource gradient broadcast from a node.
type GradientUpdate struct {
	Source    identity.NodeId  `cbor:"1,keyasint"`
	Gradient  ResourceGradient `cbor:"2,keyasint"`
	Timestamp int64            `cbor:"3,keyasint"`
}

// NewGradientUpdate wraps a GradientUpdate body in an Envelope.
func NewGradientUpdate(body GradientUpdate) (*Envelope, error) {
	return newEnvelope(KindGradientUpdate, body)
}

// AsGradientUpdate decodes the envelope body as a GradientUpdate.
func (e *Envelope) AsGradientUpdate() (GradientUpdate, error) {
	var body GradientUpdate
	if err := e.expect(KindGradientUpdate); err != nil {
		return body, err
	}
	if err := cbor.Unmarshal(e.Body, &body); err != nil {
		return body, fmt.Errorf("envelope: decode GradientUpdate: %w", err)
	}
	return body, nil
}

// --- CreditTransfer ---

// CreditTransfer announces a transfer of credits from one account to
// another (spec §3 Transfer record, minus the signature which lives at
// the envelope level).
type CreditTransfer struct {
	From      identity.NodeId `cbor:"1,keyasint"`
	To        identity.NodeId `cbor:"2,keyasint"`
	Amount    uint64          `cbor:"3,keyasint"`
	Nonce     uint64          `cbor:"4,keyasint"`
	Timestamp int64           `cbor:"5,keyasint"`
}

// NewCreditTransfer wraps a CreditTransfer body in an Envelope.
func NewCreditTransfer(body CreditTransfer) (*Envelope, error) {
	return newEnvelope(KindCreditTransfer, body)
}

// AsCreditTransfer decodes the envelope body as a CreditTransfer.
func (e *Envelope) AsCreditTransfer() (CreditTransfer, error) {
	var body CreditTransfer
	if err := e.expect(KindCreditTransfer); err != nil {
		return body, err
	}
	if err := cbor.Unmarshal(e.Body, &body); err != nil {
		return body, fmt.Errorf("envelope: decode CreditTransfer: %w", err)
	}
	return body, nil
}

// --- BalanceQuery / BalanceResponse ---

// BalanceQuery requests a peer's current balance, for verification.
type BalanceQuery struct {
	Requester identity.NodeId `cbor:"1,keyasint"`
	Target    identity.NodeId `cbor:"2,keyasint"`
	RequestId uint64          `cbor:"3,keyasint"`
}

// NewBalanceQuery wraps a BalanceQuery body in an Envelope.
func NewBalanceQuery(body BalanceQuery) (*Envelope, error) {
	return newEnvelope(KindBalanceQuery, body)
}

// AsBalanceQuery decodes the envelope body as a BalanceQuery.
func (e *Envelope) AsBalanceQuery() (BalanceQuery, error) {
	var body BalanceQuery
	if err := e.expect(KindBalanceQuery); err != nil {
		return body, err
	}
	if err := cbor.Unmarshal(e.Body, &body); err != nil {
		return body, fmt.Errorf("envelope: decode BalanceQuery: %w", err)
	}
	return body, nil
}

// BalanceResponse answers a BalanceQuery.
type BalanceResponse struct {
	RequestId uint64 `cbor:"1,keyasint"`
	Balance   uint64 `cbor:"2,keyasint"`
	AsOf      int64  `cbor:"3,keyasint"`
}

// NewBalanceResponse wraps a BalanceResponse body in an Envelope.
func NewBalanceResponse(body BalanceResponse) (*Envelope, error) {
	return newEnvelope(KindBalanceResponse, body)
}

// AsBalanceResponse decodes the envelope body as a BalanceResponse.
func (e *Envelope) AsBalanceResponse() (BalanceResponse, error) {
	var body BalanceResponse
	if err := e.expect(KindBalanceResponse); err != nil {
		return body, err
	}
	if err := cbor.Unmarshal(e.Body, &body); err != nil {
		return body, fmt.Errorf("envelope: decode BalanceResponse: %w", err)
	}
	return body, nil
}

// --- Election(...) ---

// ElectionKind tags the inner election message variant.
type ElectionKind uint8

const (
	ElectionAnnouncement ElectionKind = iota + 1
	ElectionCandidacy
	ElectionVote
	ElectionResult
)

// ElectionMessage is the inner tagged union for election protocol messages.
type ElectionMessage struct {
	Kind ElectionKind    `cbor:"1,keyasint"`
	Body cbor.RawMessage `cbor:"2,keyasint"`
}

// CandidateMetrics is a candidate's eligibility and scoring inputs.
type CandidateMetrics struct {
	UptimeRatio     float64 `cbor:"1,keyasint"`
	BandwidthMbps   float64 `cbor:"2,keyasint"`
	ReputationScore float64 `cbor:"3,keyasint"`
	ConnectedPeers  uint32  `cbor:"4,keyasint"`
}

// Candidate is a node offering itself for nexus with its current metrics.
type Candidate struct {
	NodeId  identity.NodeId  `cbor:"1,keyasint"`
	Metrics CandidateMetrics `cbor:"2,keyasint"`
}

// Announcement initiates a new election.
type Announcement struct {
	ElectionId uint64          `cbor:"1,keyasint"`
	Initiator  identity.NodeId `cbor:"2,keyasint"`
	Region     string          `cbor:"3,keyasint"`
	Timestamp  int64           `cbor:"4,keyasint"`
}

// Candidacy submits a candidate's metrics for an election.
type Candidacy struct {
	ElectionId uint64    `cbor:"1,keyasint"`
	Candidate  Candidate `cbor:"2,keyasint"`
}

// VoteMsg casts a vote for a candidate in an election.
type VoteMsg struct {
	ElectionId uint64          `cbor:"1,keyasint"`
	Voter      identity.NodeId `cbor:"2,keyasint"`
	Candidate  identity.NodeId `cbor:"3,keyasint"`
	Timestamp  int64           `cbor:"4,keyasint"`
}

// Result announces the finalized winner of an election.
type Result struct {
	ElectionId uint64          `cbor:"1,keyasint"`
	Winner     identity.NodeId `cbor:"2,keyasint"`
	Region     string          `cbor:"3,keyasint"`
	VoteCount  uint32          `cbor:"4,keyasint"`
	Timestamp  int64           `cbor:"5,keyasint"`
}

func newElectionEnvelope(kind ElectionKind, body interface{}) (*Envelope, error) {
	raw, err := encMode.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("envelope: encode election body: %w", err)
	}
	msg := ElectionMessage{Kind: kind, Body: raw}
	return newEnvelope(KindElection, msg)
}

// NewAnnouncement wraps an Announcement in an Election Envelope.
func NewAnnouncement(body Announcement) (*Envelope, error) {
	return newElectionEnvelope(ElectionAnnouncement, body)
}

// NewCandidacy wraps a Candidacy in an Election Envelope.
func NewCandidacy(body Candidacy) (*Envelope, error) {
	return newElectionEnvelope(ElectionCandidacy, body)
}

// NewVote wraps a VoteMsg in an Election Envelope.
func NewVote(body VoteMsg) (*Envelope, error) {
	return newElectionEnvelope(ElectionVote, body)
}

// NewResult wraps a Result in an Election Envelope.
func NewResult(body Result) (*Envelope, error) {
	return newElectionEnvelope(ElectionResult, body)
}

// AsElectionMessage decodes the envelope's inner election tagged union.
func (e *Envelope) AsElectionMessage() (ElectionMessage, error) {
	var msg ElectionMessage
	if err := e.expect(KindElection); err != nil {
		return msg, err
	}
	if err := cbor.Unmarshal(e.Body, &msg); err != nil {
		return msg, fmt.Errorf("envelope: decode ElectionMessage: %w", err)
	}
	return msg, nil
}

// AsAnnouncement decodes an ElectionMessage body as an Announcement.
func (m ElectionMessage) AsAnnouncement() (Announcement, error) {
	var body Announcement
	if m.Kind != ElectionAnnouncement {
		return body, fmt.Errorf("envelope: election message is not Announcement")
	}
	err := cbor.Unmarshal(m.Body, &body)
	return body, err
}

// AsCandidacy decodes an ElectionMessage body as a Candidacy.
func (m ElectionMessage) AsCandidacy() (Candidacy, error) {
	var body Candidacy
	if m.Kind != ElectionCandidacy {
		return body, fmt.Errorf("envelope: election message is not Candidacy")
	}
	err := cbor.Unmarshal(m.Body, &body)
	return body, err
}

// AsVote decodes an ElectionMessage body as a VoteMsg.
func (m ElectionMessage) AsVote() (VoteMsg, error) {
	var body VoteMsg
	if m.Kind != ElectionVote {
		return body, fmt.Errorf("envelope: election message is not Vote")
	}
	err := cbor.Unmarshal(m.Body, &body)
	return body, err
}

// AsResult decodes an ElectionMessage body as a Result.
func (m ElectionMessage) AsResult() (Result, error) {
	var body Result
	if m.Kind != ElectionResult {
		return body, fmt.Errorf("envelope: election message is not Result")
	}
	err := cbor.Unmarshal(m.Body, &body)
	return body, err
}
