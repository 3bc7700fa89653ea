// Package ofx provides OFX/QFX statement parsing
package ofx

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/aclindsa/ofxgo"
	"github.com/shopspring/decimal"

	"github.com/rumor-ml/commons.systems/cardflow/internal/format"
	"github.com/rumor-ml/commons.systems/cardflow/internal/parser"
)

// Parser implements OFX/QFX parsing for credit card and bank statements.
// It holds no state and is safe for concurrent use.
type Parser struct{}

var parserInstance = &Parser{}

// NewParser returns the shared OFX parser instance
func NewParser() *Parser {
	return parserInstance
}

// Name returns the descriptor kind handled by this parser
func (p *Parser) Name() format.Kind {
	return format.KindOFX
}

// CanParse looks for OFX header markers (v1 SGML and v2 XML)
func (p *Parser) CanParse(path string, header []byte) bool {
	upper := strings.ToUpper(string(header))
	return strings.Contains(upper, "OFXHEADER") ||
		strings.Contains(upper, "<?OFX") ||
		strings.Contains(upper, "<OFX>")
}

// statementData is the part of a credit card or bank statement we consume
type statementData struct {
	accountID   string
	accountType string
	tranList    *ofxgo.TransactionList
}

// Parse extracts account, statement period and lines from an OFX file.
// Transactions missing required fields become row errors; structural
// problems (no account, no transaction list) reject the file.
func (p *Parser) Parse(ctx context.Context, r io.Reader, meta *parser.Metadata, desc *format.Descriptor) (*parser.RawStatement, error) {
	if err := parser.CheckContext(ctx); err != nil {
		return nil, err
	}
	file := meta.Describe()

	content, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read OFX content from %s: %w", file, err)
	}
	// ofxgo.ParseResponse does not take a context.
	if err := parser.CheckContext(ctx); err != nil {
		return nil, err
	}

	response, err := ofxgo.ParseResponse(bytes.NewReader(content))
	if err != nil {
		return nil, fmt.Errorf("failed to parse OFX file %s (%d bytes): %w", file, len(content), err)
	}

	data, err := selectStatement(response)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", file, err)
	}

	institutionID := response.Signon.Org.String()
	if institutionID == "" {
		institutionID = desc.Institution
	}
	if institutionID == "" {
		return nil, fmt.Errorf("%s: missing institution ID in OFX response", file)
	}
	account, err := parser.NewRawAccount(institutionID, "", data.accountID, data.accountType)
	if err != nil {
		return nil, fmt.Errorf("failed to create raw account: %w", err)
	}
	if meta != nil && meta.Institution() != "" {
		account.SetInstitutionName(meta.Institution())
	}

	stmt := &parser.RawStatement{Account: account}
	if period, err := parser.NewPeriod(data.tranList.DtStart.Time, data.tranList.DtEnd.Time); err == nil {
		stmt.Period = period
	}

	for i, txn := range data.tranList.Transactions {
		line, reason, err := extractLine(txn)
		if err != nil {
			stmt.AddRowError(file, i+1, reason, err)
			continue
		}
		line.Row = i + 1
		stmt.Lines = append(stmt.Lines, line)
	}
	return stmt, nil
}

// selectStatement picks the first credit card statement, else the first bank statement
func selectStatement(resp *ofxgo.Response) (*statementData, error) {
	if len(resp.CreditCard) > 0 {
		cc, ok := resp.CreditCard[0].(*ofxgo.CCStatementResponse)
		if !ok {
			return nil, fmt.Errorf("expected *ofxgo.CCStatementResponse, got %T", resp.CreditCard[0])
		}
		accountID := cc.CCAcctFrom.AcctID.String()
		if accountID == "" {
			return nil, fmt.Errorf("missing account ID in credit card statement")
		}
		if cc.BankTranList == nil {
			return nil, fmt.Errorf("missing transaction list in credit card statement")
		}
		return &statementData{accountID: accountID, accountType: "credit", tranList: cc.BankTranList}, nil
	}

	if len(resp.Bank) > 0 {
		bank, ok := resp.Bank[0].(*ofxgo.StatementResponse)
		if !ok {
			return nil, fmt.Errorf("expected *ofxgo.StatementResponse, got %T", resp.Bank[0])
		}
		accountID := bank.BankAcctFrom.AcctID.String()
		if accountID == "" {
			return nil, fmt.Errorf("missing account ID in bank statement")
		}
		if bank.BankTranList == nil {
			return nil, fmt.Errorf("missing transaction list in bank statement")
		}
		return &statementData{
			accountID:   accountID,
			accountType: mapBankAccountType(bank.BankAcctFrom),
			tranList:    bank.BankTranList,
		}, nil
	}

	return nil, fmt.Errorf("no supported statement type found in OFX file (expected CREDITCARDMSGSRSV1 or BANKMSGSRSV1)")
}

func mapBankAccountType(acct ofxgo.BankAcct) string {
	if acct.AcctType == ofxgo.AcctTypeSavings {
		return "savings"
	}
	return "checking"
}

// extractLine converts one OFX transaction, returning a short reason on failure
func extractLine(txn ofxgo.Transaction) (parser.RawStatementLine, string, error) {
	var line parser.RawStatementLine

	// Prefer the user (purchase) date; installment charges are posted on the
	// billing cycle but belong to the month they occurred in.
	date := txn.DtPosted.Time
	if txn.DtUser != nil && !txn.DtUser.Time.IsZero() {
		date = txn.DtUser.Time
	}
	if date.IsZero() {
		return line, "missing date", fmt.Errorf("transaction %q has neither user nor posted date", txn.FiTID.String())
	}

	description := strings.TrimSpace(txn.Name.String())
	if description == "" {
		description = strings.TrimSpace(txn.Memo.String())
	}
	if description == "" {
		return line, "empty description", fmt.Errorf("transaction %q has neither name nor memo", txn.FiTID.String())
	}

	amount, err := decimal.NewFromString(txn.TrnAmt.FloatString(4))
	if err != nil {
		return line, "invalid amount", err
	}

	line.Date = date
	line.Description = description
	line.Amount = amount
	line.ExternalID = txn.FiTID.String()
	line.Memo = strings.TrimSpace(txn.Memo.String())
	return line, "", nil
}
