package ledger

import (
	"bytes"          // Byte buffers for wire encoding
	"crypto/ed25519" // Transaction signing
	"errors"         // Sentinel errors

	"github.com/mr-tron/base58" // Signature encoding
)

// ErrNoInstructions is returned when compiling an empty transaction
var ErrNoInstructions = errors.New("transaction has no instructions")

// Message is a compiled legacy transaction message
type Message struct {
	NumRequiredSignatures       uint8
	NumReadonlySignedAccounts   uint8
	NumReadonlyUnsignedAccounts uint8
	AccountKeys                 []PublicKey
	RecentBlockhash             PublicKey
	Instructions                []CompiledInstruction
}

// CompiledInstruction references accounts by index into Message.AccountKeys
type CompiledInstruction struct {
	ProgramIDIndex uint8
	Accounts       []uint8
	Data           []byte
}

// CompileMessage orders accounts the way the runtime expects: the fee payer first, then
// writable signers, readonly signers, writable non-signers and readonly non-signers.
func CompileMessage(payer PublicKey, blockhash PublicKey, instructions []Instruction) (*Message, error) {
	if len(instructions) == 0 {
		return nil, ErrNoInstructions
	}
	type flags struct{ signer, writable bool }
	seen := map[PublicKey]*flags{payer: {signer: true, writable: true}}
	order := []PublicKey{payer}
	touch := func(pk PublicKey, signer, writable bool) {
		f, ok := seen[pk]
		if !ok {
			f = &flags{}
			seen[pk] = f
			order = append(order, pk)
		}
		f.signer = f.signer || signer
		f.writable = f.writable || writable
	}
	for _, ix := range instructions {
		for _, a := range ix.Accounts {
			touch(a.PublicKey, a.IsSigner, a.IsWritable)
		}
		touch(ix.ProgramID, false, false)
	}

	var groups [4][]PublicKey
	for _, pk := range order {
		f := seen[pk]
		switch {
		case f.signer && f.writable:
			groups[0] = append(groups[0], pk)
		case f.signer:
			groups[1] = append(groups[1], pk)
		case f.writable:
			groups[2] = append(groups[2], pk)
		default:
			groups[3] = append(groups[3], pk)
		}
	}
	msg := &Message{
		NumRequiredSignatures:       uint8(len(groups[0]) + len(groups[1])),
		NumReadonlySignedAccounts:   uint8(len(groups[1])),
		NumReadonlyUnsignedAccounts: uint8(len(groups[3])),
		RecentBlockhash:             blockhash,
	}
	for _, g := range groups {
		msg.AccountKeys = append(msg.AccountKeys, g...)
	}
	index := make(map[PublicKey]uint8, len(msg.AccountKeys))
	for i, pk := range msg.AccountKeys {
		index[pk] = uint8(i)
	}
	for _, ix := range instructions {
		ci := CompiledInstruction{ProgramIDIndex: index[ix.ProgramID], Data: ix.Data}
		for _, a := range ix.Accounts {
			ci.Accounts = append(ci.Accounts, index[a.PublicKey])
		}
		msg.Instructions = append(msg.Instructions, ci)
	}
	return msg, nil
}

// Serialize encodes the message in the legacy wire format
func (m *Message) Serialize() []byte {
	var buf bytes.Buffer
	buf.WriteByte(m.NumRequiredSignatures)
	buf.WriteByte(m.NumReadonlySignedAccounts)
	buf.WriteByte(m.NumReadonlyUnsignedAccounts)
	writeCompactU16(&buf, len(m.AccountKeys))
	for _, k := range m.AccountKeys {
		buf.Write(k[:])
	}
	buf.Write(m.RecentBlockhash[:])
	writeCompactU16(&buf, len(m.Instructions))
	for _, ix := range m.Instructions {
		buf.WriteByte(ix.ProgramIDIndex)
		writeCompactU16(&buf, len(ix.Accounts))
		buf.Write(ix.Accounts)
		writeCompactU16(&buf, len(ix.Data))
		buf.Write(ix.Data)
	}
	return buf.Bytes()
}

// Transaction is a signed message ready for submission
type Transaction struct {
	Signatures [][]byte
	Message    *Message
}

// SignTransaction signs the message with the payer key. Single-signer transactions only.
func SignTransaction(msg *Message, signer ed25519.PrivateKey) *Transaction {
	sig := ed25519.Sign(signer, msg.Serialize())
	return &Transaction{Signatures: [][]byte{sig}, Message: msg}
}

// Serialize encodes signatures followed by the message
func (t *Transaction) Serialize() []byte {
	var buf bytes.Buffer
	writeCompactU16(&buf, len(t.Signatures))
	for _, s := range t.Signatures {
		buf.Write(s)
	}
	buf.Write(t.Message.Serialize())
	return buf.Bytes()
}

// ID returns the base58 first signature, which identifies the transaction on the ledger
func (t *Transaction) ID() string {
	if len(t.Signatures) == 0 {
		return ""
	}
	return base58.Encode(t.Signatures[0])
}

func writeCompactU16(buf *bytes.Buffer, n int) {
	for {
		b := byte(n & 0x7f)
		n >>= 7
		if n == 0 {
			buf.WriteByte(b)
			return
		}
		buf.WriteByte(b | 0x80)
	}
}
