package checkpoint

import (
	"errors"
	"fmt"
	"strconv"

	"kvram/internal/resource"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers of an owner record.
const (
	fieldDatabase protowire.Number = 1
	fieldAccount  protowire.Number = 2
	fieldUsage    protowire.Number = 3
	fieldEntries  protowire.Number = 4
)

var errMissingOwner = errors.New("record has no owner")

// ownerRecord describes one scope owner: its billed usage and the number of
// entries it held when the checkpoint was taken.
type ownerRecord struct {
	Owner   resource.Owner
	Usage   int64
	Entries uint64
}

func (r ownerRecord) marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldDatabase, protowire.BytesType)
	b = protowire.AppendString(b, r.Owner.Database)
	b = protowire.AppendTag(b, fieldAccount, protowire.BytesType)
	b = protowire.AppendString(b, r.Owner.Account)
	b = protowire.AppendTag(b, fieldUsage, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeZigZag(r.Usage))
	b = protowire.AppendTag(b, fieldEntries, protowire.VarintType)
	b = protowire.AppendVarint(b, r.Entries)
	return b
}

// unmarshalOwnerRecord decodes a record, skipping unknown fields.
func unmarshalOwnerRecord(b []byte) (ownerRecord, error) {
	var r ownerRecord
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return r, fmt.Errorf("reading tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldDatabase && typ == protowire.BytesType:
			r.Owner.Database, n = protowire.ConsumeString(b)
		case num == fieldAccount && typ == protowire.BytesType:
			r.Owner.Account, n = protowire.ConsumeString(b)
		case num == fieldUsage && typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(b)
			r.Usage = protowire.DecodeZigZag(v)
		case num == fieldEntries && typ == protowire.VarintType:
			r.Entries, n = protowire.ConsumeVarint(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return r, fmt.Errorf("reading field %d: %w", num, protowire.ParseError(n))
		}
		b = b[n:]
	}
	if r.Owner.Database == "" {
		return r, errMissingOwner
	}
	return r, nil
}

// ownerName renders an owner as a store key.
func ownerName(o resource.Owner) string {
	return strconv.Itoa(len(o.Database)) + ":" + o.Database + "/" + o.Account
}
