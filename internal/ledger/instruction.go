package ledger

import "encoding/binary"

// AccountMeta describes how an instruction touches an account
type AccountMeta struct {
	PublicKey  PublicKey
	IsSigner   bool
	IsWritable bool
}

// Instruction is a single program invocation inside a transaction
type Instruction struct {
	ProgramID PublicKey
	Accounts  []AccountMeta
	Data      []byte
}

// Token program instruction tags
const (
	TokenInstructionTransfer uint8 = 3
	TokenInstructionMintTo   uint8 = 7
)

// Associated token program instruction tags
const (
	AssociatedTokenCreate           uint8 = 0
	AssociatedTokenCreateIdempotent uint8 = 1
)

// NewCreateAssociatedTokenAccountInstruction creates the associated token account for (owner, mint).
// The idempotent variant succeeds when the account already exists.
func NewCreateAssociatedTokenAccountInstruction(payer, account, owner, mint PublicKey) Instruction {
	return Instruction{
		ProgramID: AssociatedTokenProgramID,
		Accounts: []AccountMeta{
			{PublicKey: payer, IsSigner: true, IsWritable: true},
			{PublicKey: account, IsWritable: true},
			{PublicKey: owner},
			{PublicKey: mint},
			{PublicKey: SystemProgramID},
			{PublicKey: TokenProgramID},
		},
		Data: []byte{AssociatedTokenCreateIdempotent},
	}
}

// NewMintToInstruction mints amount base units of mint into destination
func NewMintToInstruction(mint, destination, authority PublicKey, amount uint64) Instruction {
	return Instruction{
		ProgramID: TokenProgramID,
		Accounts: []AccountMeta{
			{PublicKey: mint, IsWritable: true},
			{PublicKey: destination, IsWritable: true},
			{PublicKey: authority, IsSigner: true},
		},
		Data: amountData(TokenInstructionMintTo, amount),
	}
}

// NewTransferInstruction moves amount base units from source to destination
func NewTransferInstruction(source, destination, owner PublicKey, amount uint64) Instruction {
	return Instruction{
		ProgramID: TokenProgramID,
		Accounts: []AccountMeta{
			{PublicKey: source, IsWritable: true},
			{PublicKey: destination, IsWritable: true},
			{PublicKey: owner, IsSigner: true},
		},
		Data: amountData(TokenInstructionTransfer, amount),
	}
}

// DecodeAmountInstruction splits a token instruction into its tag and u64 amount
func DecodeAmountInstruction(data []byte) (uint8, uint64, bool) {
	if len(data) != 9 {
		return 0, 0, false
	}
	return data[0], binary.LittleEndian.Uint64(data[1:]), true
}

func amountData(tag uint8, amount uint64) []byte {
	data := make([]byte, 9)
	data[0] = tag
	binary.LittleEndian.PutUint64(data[1:], amount)
	return data
}
