package ofx

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rumor-ml/commons.systems/cardflow/internal/format"
	"github.com/rumor-ml/commons.systems/cardflow/internal/parser"
)

const sgmlHeader = `OFXHEADER:100
DATA:OFXSGML
VERSION:102
SECURITY:NONE
ENCODING:USASCII
CHARSET:1252
COMPRESSION:NONE
OLDFILEUID:NONE
NEWFILEUID:NONE

<OFX>
<SIGNONMSGSRSV1>
<SONRS>
<STATUS>
<CODE>0
<SEVERITY>INFO
</STATUS>
<DTSERVER>20260201120000
<LANGUAGE>ENG
<FI>
<ORG>TESTCARD
<FID>98765
</FI>
</SONRS>
</SIGNONMSGSRSV1>
`

func creditCardOFX(transactions string) string {
	return sgmlHeader + `<CREDITCARDMSGSRSV1>
<CCSTMTTRNRS>
<TRNUID>1
<STATUS>
<CODE>0
<SEVERITY>INFO
</STATUS>
<CCSTMTRS>
<CURDEF>USD
<CCACCTFROM>
<ACCTID>4111111111111111
</CCACCTFROM>
<BANKTRANLIST>
<DTSTART>20260123000000
<DTEND>20260222235959
` + transactions + `</BANKTRANLIST>
<LEDGERBAL>
<BALAMT>-500.00
<DTASOF>20260222235959
</LEDGERBAL>
</CCSTMTRS>
</CCSTMTTRNRS>
</CREDITCARDMSGSRSV1>
</OFX>`
}

const bankOFX = sgmlHeader + `<BANKMSGSRSV1>
<STMTTRNRS>
<TRNUID>1
<STATUS>
<CODE>0
<SEVERITY>INFO
</STATUS>
<STMTRS>
<CURDEF>USD
<BANKACCTFROM>
<BANKID>123456789
<ACCTID>9876543210
<ACCTTYPE>SAVINGS
</BANKACCTFROM>
<BANKTRANLIST>
<DTSTART>20260101000000
<DTEND>20260131235959
<STMTTRN>
<TRNTYPE>CREDIT
<DTPOSTED>20260115120000
<TRNAMT>1000.00
<FITID>B001
<NAME>Salary
</STMTTRN>
</BANKTRANLIST>
<LEDGERBAL>
<BALAMT>1000.00
<DTASOF>20260131235959
</LEDGERBAL>
</STMTRS>
</STMTTRNRS>
</BANKMSGSRSV1>
</OFX>`

func descriptor(t *testing.T) *format.Descriptor {
	t.Helper()
	catalog, err := format.LoadEmbedded()
	require.NoError(t, err)
	d, ok := catalog.Get("ofx")
	require.True(t, ok)
	return d
}

func metadata(t *testing.T) *parser.Metadata {
	t.Helper()
	meta, err := parser.NewMetadata("/stmts/testcard/1111/jan.ofx", time.Now())
	require.NoError(t, err)
	meta.SetInstitution("testcard")
	return meta
}

func TestName(t *testing.T) {
	assert.Equal(t, format.KindOFX, NewParser().Name())
}

func TestCanParse(t *testing.T) {
	p := NewParser()
	tests := []struct {
		name   string
		header string
		want   bool
	}{
		{"sgml header", "OFXHEADER:100\nDATA:OFXSGML", true},
		{"xml header", `<?xml version="1.0"?><?OFX OFXHEADER="200"?>`, true},
		{"bare tag", "<OFX><SIGNONMSGSRSV1>", true},
		{"csv content", "date,description,amount", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, p.CanParse("x.ofx", []byte(tt.header)))
		})
	}
}

func TestParse_SyntheticCreditCard(t *testing.T) {
	content := creditCardOFX(`<STMTTRN>
<TRNTYPE>DEBIT
<DTPOSTED>20260125120000
<TRNAMT>-100.00
<FITID>CC001
<NAME>WIDGET PARC 01/06
</STMTTRN>
<STMTTRN>
<TRNTYPE>DEBIT
<DTPOSTED>20260201120000
<DTUSER>20260129120000
<TRNAMT>-25.99
<FITID>CC002
<NAME>Amazon Purchase
<MEMO>order 123
</STMTTRN>
`)

	stmt, err := NewParser().Parse(context.Background(), strings.NewReader(content), metadata(t), descriptor(t))
	require.NoError(t, err)

	require.NotNil(t, stmt.Account)
	assert.Equal(t, "TESTCARD", stmt.Account.InstitutionID())
	assert.Equal(t, "testcard", stmt.Account.InstitutionName())
	assert.Equal(t, "4111111111111111", stmt.Account.AccountID())
	assert.Equal(t, "credit", stmt.Account.AccountType())

	require.NotNil(t, stmt.Period)
	assert.Equal(t, 2026, stmt.Period.End().Year())
	assert.Equal(t, time.February, stmt.Period.End().Month())

	require.Len(t, stmt.Lines, 2)
	assert.Empty(t, stmt.RowErrors)

	first := stmt.Lines[0]
	assert.Equal(t, 1, first.Row)
	assert.Equal(t, "WIDGET PARC 01/06", first.Description)
	assert.True(t, first.Amount.Equal(decimal.RequireFromString("-100")))
	assert.Equal(t, "CC001", first.ExternalID)

	second := stmt.Lines[1]
	assert.Equal(t, 29, second.Date.Day(), "user date wins over posted date")
	assert.Equal(t, "order 123", second.Memo)
	assert.Equal(t, "-25.99", second.Amount.StringFixed(2))
}

func TestParse_MissingDescriptionIsRowError(t *testing.T) {
	content := creditCardOFX(`<STMTTRN>
<TRNTYPE>DEBIT
<DTPOSTED>20260125120000
<TRNAMT>-10.00
<FITID>CC010
</STMTTRN>
<STMTTRN>
<TRNTYPE>DEBIT
<DTPOSTED>20260126120000
<TRNAMT>-11.00
<FITID>CC011
<NAME>Kept
</STMTTRN>
`)

	stmt, err := NewParser().Parse(context.Background(), strings.NewReader(content), metadata(t), descriptor(t))
	require.NoError(t, err)
	require.Len(t, stmt.Lines, 1)
	assert.Equal(t, "Kept", stmt.Lines[0].Description)
	require.Len(t, stmt.RowErrors, 1)
	assert.Equal(t, 1, stmt.RowErrors[0].Row)
	assert.Equal(t, "empty description", stmt.RowErrors[0].Reason)
}

func TestParse_SyntheticBankStatement(t *testing.T) {
	stmt, err := NewParser().Parse(context.Background(), strings.NewReader(bankOFX), metadata(t), descriptor(t))
	require.NoError(t, err)

	assert.Equal(t, "savings", stmt.Account.AccountType())
	assert.Equal(t, "9876543210", stmt.Account.AccountID())
	require.Len(t, stmt.Lines, 1)
	assert.Equal(t, "1000.00", stmt.Lines[0].Amount.StringFixed(2))
}

func TestParse_InvalidOFX(t *testing.T) {
	_, err := NewParser().Parse(context.Background(), strings.NewReader("not an ofx file"), metadata(t), descriptor(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse OFX file")
}

func TestParse_NoSupportedStatementTypes(t *testing.T) {
	content := sgmlHeader + "</OFX>"
	_, err := NewParser().Parse(context.Background(), strings.NewReader(content), metadata(t), descriptor(t))
	require.Error(t, err)
}

func TestParse_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewParser().Parse(ctx, strings.NewReader(bankOFX), metadata(t), descriptor(t))
	assert.ErrorIs(t, err, context.Canceled)
}
