// Package sdk is the agentchat client library: the code an agent embeds to
// join the coordination fabric over one websocket.
//
// The client owns the handshake (ephemeral or key-proved), answers signature
// challenges, and exposes typed senders for every client operation. Signed
// operations build the canonical payload and sign it with the configured
// keypair automatically.
//
// Quick Start:
//
//	keys, _ := sdk.GenerateKeypair()
//	client, err := sdk.Dial(ctx, sdk.Config{
//	    URL:  "ws://localhost:8080/ws",
//	    Name: "research-bot",
//	    Keys: keys,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	client.Join("#general")
//	client.Say("#general", "hello from "+client.AgentID())
//	for ev := range client.Events() {
//	    if ev.Type == sdk.TypeMsg {
//	        var m sdk.Msg
//	        ev.Decode(&m)
//	        log.Printf("<%s> %s", m.From, m.Content)
//	    }
//	}
//
// Omit Keys for a throwaway ephemeral identity. Frames the typed senders do
// not cover can be sent raw with Send.
package sdk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrNoKeys is returned by signed operations on an ephemeral client.
var ErrNoKeys = errors.New("sdk: operation requires a keypair, client is ephemeral")

// Config holds the client configuration.
type Config struct {
	// URL is the websocket endpoint, e.g. "ws://localhost:8080/ws" (required).
	URL string

	// Name is the display name sent with IDENTIFY.
	Name string

	// Keys is the persistent identity. Nil dials in as an ephemeral agent.
	Keys *Keypair

	// HandshakeTimeout bounds dialing plus the identify exchange (default 15s).
	HandshakeTimeout time.Duration

	// EventBuffer sizes the inbound event channel (default 256). The read
	// loop stalls when the consumer stops draining, so size it for bursts.
	EventBuffer int

	// OnCaptcha answers a captcha interposed during the handshake. Dialing a
	// captcha-gated server without it fails.
	OnCaptcha func(question string) string
}

// Client is one live agent connection. Methods are safe for concurrent use;
// a single read loop feeds Events.
type Client struct {
	conn    *websocket.Conn
	welcome Welcome

	writeMu sync.Mutex
	events  chan Event

	closeOnce sync.Once
	done      chan struct{}

	errMu   sync.Mutex
	readErr error

	keys *Keypair
}

// frame is the union of outbound fields; zero values stay off the wire.
type frame struct {
	Type         string   `json:"type"`
	Name         string   `json:"name,omitempty"`
	Pubkey       string   `json:"pubkey,omitempty"`
	ChallengeID  string   `json:"challenge_id,omitempty"`
	Signature    string   `json:"signature,omitempty"`
	Timestamp    int64    `json:"timestamp,omitempty"`
	CaptchaID    string   `json:"captcha_id,omitempty"`
	Answer       string   `json:"answer,omitempty"`
	To           string   `json:"to,omitempty"`
	Content      string   `json:"content,omitempty"`
	Channel      string   `json:"channel,omitempty"`
	InviteOnly   bool     `json:"invite_only,omitempty"`
	VerifiedOnly bool     `json:"verified_only,omitempty"`
	Agent        string   `json:"agent,omitempty"`
	Nick         string   `json:"nick,omitempty"`
	Presence     string   `json:"presence,omitempty"`
	Status       string   `json:"status,omitempty"`
	Skills       []string `json:"skills,omitempty"`
	Query        string   `json:"query,omitempty"`
	ProposalID   string   `json:"proposal_id,omitempty"`
	Task         string   `json:"task,omitempty"`
	Amount       float64  `json:"amount,omitempty"`
	Currency     string   `json:"currency,omitempty"`
	PaymentCode  string   `json:"payment_code,omitempty"`
	EloStake     int      `json:"elo_stake,omitempty"`
	ExpiresAt    int64    `json:"expires_at,omitempty"`
	Reason       string   `json:"reason,omitempty"`
	DisputeID    string   `json:"dispute_id,omitempty"`
	Commitment   string   `json:"commitment,omitempty"`
	Nonce        string   `json:"nonce,omitempty"`
	Items        []string `json:"items,omitempty"`
	Statement    string   `json:"statement,omitempty"`
	Vote         string   `json:"vote,omitempty"`
	Reasoning    string   `json:"reasoning,omitempty"`
	RequestID    string   `json:"request_id,omitempty"`
}

// Dial connects, runs the identify handshake to completion and starts the
// read loop. The returned client has already received WELCOME.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("sdk: Config.URL is required")
	}
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = 15 * time.Second
	}
	if cfg.EventBuffer == 0 {
		cfg.EventBuffer = 256
	}

	dialer := websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, cfg.URL, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("sdk: dial %s: %w (http %d)", cfg.URL, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("sdk: dial %s: %w", cfg.URL, err)
	}

	c := &Client{
		conn:   conn,
		events: make(chan Event, cfg.EventBuffer),
		done:   make(chan struct{}),
		keys:   cfg.Keys,
	}
	if err := c.handshake(cfg); err != nil {
		conn.Close()
		return nil, err
	}
	go c.readLoop()
	return c, nil
}

// handshake drives IDENTIFY to WELCOME under one deadline, answering the
// challenge and any captcha along the way.
func (c *Client) handshake(cfg Config) error {
	deadline := time.Now().Add(cfg.HandshakeTimeout)
	if err := c.conn.SetReadDeadline(deadline); err != nil {
		return fmt.Errorf("sdk: set handshake deadline: %w", err)
	}

	identify := frame{Type: TypeIdentify, Name: cfg.Name}
	if cfg.Keys != nil {
		identify.Pubkey = cfg.Keys.PublicKeyBase64()
	}
	if err := c.Send(identify); err != nil {
		return err
	}

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("sdk: handshake read: %w", err)
		}
		var head struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &head); err != nil {
			return fmt.Errorf("sdk: handshake frame: %w", err)
		}

		switch head.Type {
		case TypeChallenge:
			var ch Challenge
			if err := json.Unmarshal(data, &ch); err != nil {
				return fmt.Errorf("sdk: challenge frame: %w", err)
			}
			if cfg.Keys == nil {
				return errors.New("sdk: server sent a challenge but no keypair is configured")
			}
			ts := time.Now().UnixMilli()
			err := c.Send(frame{
				Type:        TypeVerifyIdentity,
				ChallengeID: ch.ChallengeID,
				Signature:   cfg.Keys.Sign(authPayload(ch.Nonce, ch.ChallengeID, ts)),
				Timestamp:   ts,
			})
			if err != nil {
				return err
			}

		case TypeCaptchaChallenge:
			var cc CaptchaChallenge
			if err := json.Unmarshal(data, &cc); err != nil {
				return fmt.Errorf("sdk: captcha frame: %w", err)
			}
			if cfg.OnCaptcha == nil {
				return errors.New("sdk: server requires a captcha and Config.OnCaptcha is not set")
			}
			err := c.Send(frame{
				Type:      TypeCaptchaResponse,
				CaptchaID: cc.CaptchaID,
				Answer:    cfg.OnCaptcha(cc.Question),
			})
			if err != nil {
				return err
			}

		case TypeWelcome:
			if err := json.Unmarshal(data, &c.welcome); err != nil {
				return fmt.Errorf("sdk: welcome frame: %w", err)
			}
			if err := c.conn.SetReadDeadline(time.Time{}); err != nil {
				return fmt.Errorf("sdk: clear handshake deadline: %w", err)
			}
			return nil

		case TypeError:
			var e ErrorFrame
			if err := json.Unmarshal(data, &e); err != nil {
				return fmt.Errorf("sdk: error frame: %w", err)
			}
			return fmt.Errorf("sdk: handshake rejected: %s (%s)", e.Message, e.Code)

		default:
			// Broadcast noise can arrive between handshake steps; skip it.
		}
	}
}

// readLoop turns inbound frames into Events until the connection dies.
func (c *Client) readLoop() {
	defer close(c.events)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.errMu.Lock()
			select {
			case <-c.done:
				// Closed locally; not an error.
			default:
				c.readErr = err
			}
			c.errMu.Unlock()
			return
		}
		var head struct {
			Type string `json:"type"`
		}
		if json.Unmarshal(data, &head) != nil || head.Type == "" {
			continue
		}
		select {
		case c.events <- Event{Type: head.Type, Raw: json.RawMessage(data)}:
		case <-c.done:
			return
		}
	}
}

// Events returns the inbound frame stream. The channel closes when the
// connection ends; check Err afterwards.
func (c *Client) Events() <-chan Event { return c.events }

// Err reports why the read loop stopped. Nil after a local Close.
func (c *Client) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.readErr
}

// Welcome returns the handshake result.
func (c *Client) Welcome() Welcome { return c.welcome }

// AgentID returns the id the server assigned this session.
func (c *Client) AgentID() string { return c.welcome.AgentID }

// Close sends a close frame and tears the connection down. Safe to call more
// than once.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}

// Send marshals and writes one frame. Use it for operations the typed
// senders do not cover.
func (c *Client) Send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("sdk: encode frame: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("sdk: write frame: %w", err)
	}
	return nil
}

// Expect drains events until one of the wanted types arrives, discarding
// everything in between. Meant for scripted flows, not for long-lived agents
// that care about every frame.
func (c *Client) Expect(ctx context.Context, types ...string) (*Event, error) {
	want := make(map[string]bool, len(types))
	for _, t := range types {
		want[t] = true
	}
	for {
		select {
		case ev, ok := <-c.events:
			if !ok {
				if err := c.Err(); err != nil {
					return nil, fmt.Errorf("sdk: connection closed: %w", err)
				}
				return nil, errors.New("sdk: connection closed")
			}
			if want[ev.Type] {
				return &ev, nil
			}
			if ev.Type == TypeError {
				var e ErrorFrame
				if ev.Decode(&e) == nil {
					return nil, fmt.Errorf("sdk: %s (%s)", e.Message, e.Code)
				}
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// ----------------------------------------------------------------
// chat and directory
// ----------------------------------------------------------------

// Say sends a message to a #channel or an @agent.
func (c *Client) Say(to, content string) error {
	return c.Send(frame{Type: TypeMsg, To: to, Content: content})
}

// Join enters a channel; the server answers JOINED plus the replay ring.
func (c *Client) Join(channel string) error {
	return c.Send(frame{Type: TypeJoin, Channel: channel})
}

// Leave exits a channel. Leaving is idempotent.
func (c *Client) Leave(channel string) error {
	return c.Send(frame{Type: TypeLeave, Channel: channel})
}

// CreateChannel creates a channel with the caller as first member.
func (c *Client) CreateChannel(channel string, inviteOnly, verifiedOnly bool) error {
	return c.Send(frame{Type: TypeCreateChannel, Channel: channel, InviteOnly: inviteOnly, VerifiedOnly: verifiedOnly})
}

// Invite asks the server to admit an agent to a channel.
func (c *Client) Invite(channel, agent string) error {
	return c.Send(frame{Type: TypeInvite, Channel: channel, Agent: agent})
}

// ListChannels requests the channel directory.
func (c *Client) ListChannels() error {
	return c.Send(frame{Type: TypeListChannels})
}

// ListAgents requests a channel's members, or every online agent when
// channel is empty.
func (c *Client) ListAgents(channel string) error {
	return c.Send(frame{Type: TypeListAgents, Channel: channel})
}

// SetNick renames the agent.
func (c *Client) SetNick(nick string) error {
	return c.Send(frame{Type: TypeSetNick, Nick: nick})
}

// SetPresence advertises online, away or offline plus a free-form status.
func (c *Client) SetPresence(presence, status string) error {
	return c.Send(frame{Type: TypeSetPresence, Presence: presence, Status: status})
}

// RegisterSkills publishes the agent's skill tags.
func (c *Client) RegisterSkills(skills ...string) error {
	return c.Send(frame{Type: TypeRegisterSkills, Skills: skills})
}

// SearchSkills queries the skill directory.
func (c *Client) SearchSkills(query string) error {
	return c.Send(frame{Type: TypeSearchSkills, Query: query})
}

// ----------------------------------------------------------------
// proposals (signed)
// ----------------------------------------------------------------

// ProposalSpec describes a Propose call. ExpiresAt of zero leaves the
// deadline to the server; EloStake of zero proposes without a stake.
type ProposalSpec struct {
	To          string
	Task        string
	Amount      float64
	Currency    string
	PaymentCode string
	EloStake    int
	ExpiresAt   int64
}

// Propose sends a signed task proposal.
func (c *Client) Propose(p ProposalSpec) error {
	if c.keys == nil {
		return ErrNoKeys
	}
	payload := proposalPayload(c.AgentID(), p.To, p.Task, p.Amount, p.Currency, p.PaymentCode, p.EloStake, p.ExpiresAt)
	return c.Send(frame{
		Type:        TypeProposal,
		To:          p.To,
		Task:        p.Task,
		Amount:      p.Amount,
		Currency:    p.Currency,
		PaymentCode: p.PaymentCode,
		EloStake:    p.EloStake,
		ExpiresAt:   p.ExpiresAt,
		Signature:   c.keys.Sign(payload),
	})
}

// Accept takes a pending proposal, optionally matching with a counter-stake.
func (c *Client) Accept(proposalID string, eloStake int) error {
	if c.keys == nil {
		return ErrNoKeys
	}
	return c.Send(frame{
		Type:       TypeAccept,
		ProposalID: proposalID,
		EloStake:   eloStake,
		Signature:  c.keys.Sign(acceptPayload(proposalID, c.AgentID(), eloStake)),
	})
}

// Reject declines a pending proposal.
func (c *Client) Reject(proposalID, reason string) error {
	if c.keys == nil {
		return ErrNoKeys
	}
	return c.Send(frame{
		Type:       TypeReject,
		ProposalID: proposalID,
		Reason:     reason,
		Signature:  c.keys.Sign(rejectPayload(proposalID, c.AgentID(), reason)),
	})
}

// Complete marks an accepted proposal done, settling stakes.
func (c *Client) Complete(proposalID string) error {
	if c.keys == nil {
		return ErrNoKeys
	}
	return c.Send(frame{
		Type:       TypeComplete,
		ProposalID: proposalID,
		Signature:  c.keys.Sign(completePayload(proposalID, c.AgentID())),
	})
}

// Dispute files a single-shot dispute with the reason in the clear. Prefer
// the commit-reveal pair DisputeIntent and DisputeReveal when a panel should
// not see the reason before seating.
func (c *Client) Dispute(proposalID, reason string) error {
	if c.keys == nil {
		return ErrNoKeys
	}
	return c.Send(frame{
		Type:       TypeDispute,
		ProposalID: proposalID,
		Reason:     reason,
		Signature:  c.keys.Sign(disputePayload(proposalID, c.AgentID(), reason)),
	})
}

// ----------------------------------------------------------------
// arbitration (signed)
// ----------------------------------------------------------------

// DisputeIntent files the commitment half of a commit-reveal dispute. Build
// the commitment with CommitmentHash and keep the nonce for DisputeReveal.
func (c *Client) DisputeIntent(proposalID, commitment string) error {
	if c.keys == nil {
		return ErrNoKeys
	}
	return c.Send(frame{
		Type:       TypeDisputeIntent,
		ProposalID: proposalID,
		Commitment: commitment,
		Signature:  c.keys.Sign(disputeIntentPayload(proposalID, c.AgentID(), commitment)),
	})
}

// DisputeReveal opens the commitment: the nonce and reason must hash to the
// committed value.
func (c *Client) DisputeReveal(disputeID, nonce, reason string) error {
	if c.keys == nil {
		return ErrNoKeys
	}
	return c.Send(frame{
		Type:      TypeDisputeReveal,
		DisputeID: disputeID,
		Nonce:     nonce,
		Reason:    reason,
		Signature: c.keys.Sign(disputeRevealPayload(disputeID, c.AgentID(), nonce)),
	})
}

// SubmitEvidence files this party's evidence bundle for a dispute.
func (c *Client) SubmitEvidence(disputeID string, items []string, statement string) error {
	if c.keys == nil {
		return ErrNoKeys
	}
	return c.Send(frame{
		Type:      TypeEvidence,
		DisputeID: disputeID,
		Items:     items,
		Statement: statement,
		Signature: c.keys.Sign(evidencePayload(disputeID, c.AgentID(), items, statement)),
	})
}

// ArbiterAccept takes the offered panel seat.
func (c *Client) ArbiterAccept(disputeID string) error {
	if c.keys == nil {
		return ErrNoKeys
	}
	return c.Send(frame{
		Type:      TypeArbiterAccept,
		DisputeID: disputeID,
		Signature: c.keys.Sign(arbiterAcceptPayload(disputeID, c.AgentID())),
	})
}

// ArbiterDecline steps aside so an alternate can be seated.
func (c *Client) ArbiterDecline(disputeID string) error {
	if c.keys == nil {
		return ErrNoKeys
	}
	return c.Send(frame{
		Type:      TypeArbiterDecline,
		DisputeID: disputeID,
		Signature: c.keys.Sign(arbiterDeclinePayload(disputeID, c.AgentID())),
	})
}

// ArbiterVote casts this arbiter's ballot, VerdictForDisputant or
// VerdictForRespondent, with optional reasoning.
func (c *Client) ArbiterVote(disputeID, vote, reasoning string) error {
	if c.keys == nil {
		return ErrNoKeys
	}
	return c.Send(frame{
		Type:      TypeArbiterVote,
		DisputeID: disputeID,
		Vote:      vote,
		Reasoning: reasoning,
		Signature: c.keys.Sign(arbiterVotePayload(disputeID, c.AgentID(), vote)),
	})
}

// ----------------------------------------------------------------
// peer verification
// ----------------------------------------------------------------

// RequestVerify challenges a peer to prove its key; the server relays the
// nonce and reports VERIFY_SUCCESS or VERIFY_FAILED back.
func (c *Client) RequestVerify(agent, nonce string) error {
	return c.Send(frame{Type: TypeVerifyRequest, Agent: agent, Nonce: nonce})
}

// RespondVerify answers a relayed VerifyRequestNotice by signing its nonce.
func (c *Client) RespondVerify(requestID, nonce string) error {
	if c.keys == nil {
		return ErrNoKeys
	}
	return c.Send(frame{
		Type:      TypeVerifyResponse,
		RequestID: requestID,
		Nonce:     nonce,
		Signature: c.keys.Sign(nonce),
	})
}
