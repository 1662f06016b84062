package services

import (
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"

	"github.com/midtrans/midtrans-go"
	"github.com/midtrans/midtrans-go/coreapi"
	"github.com/midtrans/midtrans-go/snap"

	"chapter_dues/internal/models"
)

// ErrTransactionNotFound is returned for orders the gateway has no record of
// yet, such as a hosted checkout the payer has not submitted.
var ErrTransactionNotFound = errors.New("transaction not found at gateway")

// ChargeRequest describes one charge sent to the gateway
type ChargeRequest struct {
	OrderID     string
	GrossAmount int64
	Method      models.MethodType
	// Token is a saved card token, or a bank code for bank transfers
	Token         string
	SaveCard      bool
	CustomerID    string
	CustomerName  string
	CustomerEmail string
	ItemName      string
	FinishURL     string
}

// ChargeStatus is the gateway's view of a transaction
type ChargeStatus struct {
	OrderID           string
	TransactionStatus string
	FraudStatus       string
	StatusMessage     string
	RedirectURL       string
	SavedTokenID      string
	MaskedCard        string
	CardType          string
	Bank              string
}

// TransactionGateway is the subset of the payment gateway the services use
type TransactionGateway interface {
	CreateTransaction(req ChargeRequest) (token, redirectURL string, err error)
	ChargeToken(req ChargeRequest) (*ChargeStatus, error)
	CheckTransaction(orderID string) (*ChargeStatus, error)
	CancelTransaction(orderID string) error
	VerifySignature(orderID, statusCode, grossAmount, signatureKey string) bool
}

type MidtransConfig struct {
	ServerKey    string
	ClientKey    string
	IsProduction bool
}

type MidtransService struct {
	SnapClient snap.Client
	CoreClient coreapi.Client
	serverKey  string
}

func NewMidtransService(cfg MidtransConfig) *MidtransService {
	env := midtrans.Sandbox
	if cfg.IsProduction {
		env = midtrans.Production
	}

	var s snap.Client
	s.New(cfg.ServerKey, env)

	var c coreapi.Client
	c.New(cfg.ServerKey, env)

	// Set Default Options
	midtrans.ServerKey = cfg.ServerKey
	midtrans.ClientKey = cfg.ClientKey
	midtrans.Environment = env

	return &MidtransService{
		SnapClient: s,
		CoreClient: c,
		serverKey:  cfg.ServerKey,
	}
}

func gatewayErr(op string, err *midtrans.Error) error {
	if err.StatusCode == http.StatusNotFound {
		return fmt.Errorf("midtrans %s: %w", op, ErrTransactionNotFound)
	}
	return fmt.Errorf("midtrans %s error: %s", op, err.Message)
}

// CreateTransaction creates a Snap transaction and returns its token and redirect URL
func (s *MidtransService) CreateTransaction(req ChargeRequest) (string, string, error) {
	param := &snap.Request{
		TransactionDetails: midtrans.TransactionDetails{
			OrderID:  req.OrderID,
			GrossAmt: req.GrossAmount,
		},
		CustomerDetail: &midtrans.CustomerDetails{
			FName: req.CustomerName,
			Email: req.CustomerEmail,
		},
		Items: &[]midtrans.ItemDetails{
			{
				ID:    req.OrderID,
				Name:  req.ItemName,
				Price: req.GrossAmount,
				Qty:   1,
			},
		},
	}

	switch req.Method {
	case models.MethodCard:
		param.EnabledPayments = []snap.SnapPaymentType{snap.PaymentTypeCreditCard}
		param.CreditCard = &snap.CreditCardDetails{Secure: true, SaveCard: req.SaveCard}
		if req.SaveCard {
			// Snap only offers card saving to identified customers
			param.UserId = req.CustomerID
		}
	case models.MethodBank:
		param.EnabledPayments = []snap.SnapPaymentType{snap.PaymentTypeBankTransfer}
	}
	if req.FinishURL != "" {
		param.Callbacks = &snap.Callbacks{Finish: req.FinishURL}
	}

	resp, err := s.SnapClient.CreateTransaction(param)
	if err != nil {
		return "", "", gatewayErr("create transaction", err)
	}
	return resp.Token, resp.RedirectURL, nil
}

// ChargeToken charges a saved card token or opens a bank transfer for a saved bank
func (s *MidtransService) ChargeToken(req ChargeRequest) (*ChargeStatus, error) {
	param := &coreapi.ChargeReq{
		TransactionDetails: midtrans.TransactionDetails{
			OrderID:  req.OrderID,
			GrossAmt: req.GrossAmount,
		},
		CustomerDetails: &midtrans.CustomerDetails{
			FName: req.CustomerName,
			Email: req.CustomerEmail,
		},
	}

	switch req.Method {
	case models.MethodCard:
		param.PaymentType = coreapi.PaymentTypeCreditCard
		param.CreditCard = &coreapi.CreditCardDetails{
			TokenID:        req.Token,
			Authentication: false,
		}
	case models.MethodBank:
		param.PaymentType = coreapi.PaymentTypeBankTransfer
		param.BankTransfer = &coreapi.BankTransferDetails{Bank: midtrans.Bank(req.Token)}
	default:
		return nil, fmt.Errorf("unsupported method %q", req.Method)
	}

	resp, err := s.CoreClient.ChargeTransaction(param)
	if err != nil {
		return nil, gatewayErr("charge", err)
	}
	return &ChargeStatus{
		OrderID:           resp.OrderID,
		TransactionStatus: resp.TransactionStatus,
		FraudStatus:       resp.FraudStatus,
		StatusMessage:     resp.StatusMessage,
		RedirectURL:       resp.RedirectURL,
		SavedTokenID:      resp.SavedTokenID,
		MaskedCard:        resp.MaskedCard,
		Bank:              bankOf(req),
	}, nil
}

func bankOf(req ChargeRequest) string {
	if req.Method == models.MethodBank {
		return req.Token
	}
	return ""
}

// CheckTransaction reads the current status of an order
func (s *MidtransService) CheckTransaction(orderID string) (*ChargeStatus, error) {
	resp, err := s.CoreClient.CheckTransaction(orderID)
	if err != nil {
		return nil, gatewayErr("check transaction", err)
	}
	if resp.StatusCode == "404" {
		return nil, fmt.Errorf("midtrans check transaction %s: %w", orderID, ErrTransactionNotFound)
	}
	return &ChargeStatus{
		OrderID:           resp.OrderID,
		TransactionStatus: resp.TransactionStatus,
		FraudStatus:       resp.FraudStatus,
		StatusMessage:     resp.StatusMessage,
	}, nil
}

// CancelTransaction cancels a pending order
func (s *MidtransService) CancelTransaction(orderID string) error {
	if _, err := s.CoreClient.CancelTransaction(orderID); err != nil {
		return gatewayErr("cancel transaction", err)
	}
	return nil
}

// VerifySignature checks a notification's signature key, which is
// SHA512(order_id + status_code + gross_amount + server key)
func (s *MidtransService) VerifySignature(orderID, statusCode, grossAmount, signatureKey string) bool {
	return verifySignature(s.serverKey, orderID, statusCode, grossAmount, signatureKey)
}

func signNotification(serverKey, orderID, statusCode, grossAmount string) string {
	sum := sha512.Sum512([]byte(orderID + statusCode + grossAmount + serverKey))
	return hex.EncodeToString(sum[:])
}

func verifySignature(serverKey, orderID, statusCode, grossAmount, signatureKey string) bool {
	if serverKey == "" || signatureKey == "" {
		return false
	}
	want := signNotification(serverKey, orderID, statusCode, grossAmount)
	return subtle.ConstantTimeCompare([]byte(want), []byte(signatureKey)) == 1
}
