package masterdata

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ProductInvalidator is notified after product writes so read-through
// caches drop stale entries. Invalidation is explicit, never implicit.
type ProductInvalidator interface {
	InvalidateProduct(ctx context.Context, productID int64) error
}

// Service implements masterdata operations and serves as the ledger's
// directory (counterparty and bank account checks) and unit converter.
type Service struct {
	repo        Repository
	invalidator ProductInvalidator
	logger      *slog.Logger
}

// NewService constructs a Service. invalidator may be nil.
func NewService(repo Repository, invalidator ProductInvalidator, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, invalidator: invalidator, logger: logger}
}

// CreateCounterparty registers a vendor or customer.
func (s *Service) CreateCounterparty(ctx context.Context, in CreateCounterpartyInput) (Counterparty, error) {
	if in.Kind != KindVendor && in.Kind != KindCustomer {
		return Counterparty{}, errors.New("masterdata: kind must be VENDOR or CUSTOMER")
	}
	if in.Name == "" {
		return Counterparty{}, errors.New("masterdata: name is required")
	}
	now := time.Now()
	c := Counterparty{
		Kind:      in.Kind,
		Name:      in.Name,
		Contact:   in.Contact,
		Address:   in.Address,
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	id, err := s.repo.CreateCounterparty(ctx, c)
	if err != nil {
		return Counterparty{}, err
	}
	c.ID = id
	return c, nil
}

// GetCounterparty fetches one counterparty.
func (s *Service) GetCounterparty(ctx context.Context, id int64) (Counterparty, error) {
	return s.repo.GetCounterparty(ctx, id)
}

// ListCounterparties lists active counterparties, optionally by kind.
func (s *Service) ListCounterparties(ctx context.Context, kind CounterpartyKind) ([]Counterparty, error) {
	return s.repo.ListCounterparties(ctx, kind)
}

// DeactivateCounterparty soft-deletes a counterparty.
func (s *Service) DeactivateCounterparty(ctx context.Context, id int64) error {
	return s.repo.SetCounterpartyActive(ctx, id, false)
}

// CreateProduct registers a catalog item. The base unit always converts
// with factor 1.
func (s *Service) CreateProduct(ctx context.Context, in CreateProductInput) (Product, error) {
	if in.Name == "" {
		return Product{}, errors.New("masterdata: name is required")
	}
	if in.BaseUoMID <= 0 {
		return Product{}, errors.New("masterdata: base unit of measure is required")
	}
	now := time.Now()
	p := Product{
		Name:      in.Name,
		SKU:       in.SKU,
		BaseUoMID: in.BaseUoMID,
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	id, err := s.repo.CreateProduct(ctx, p)
	if err != nil {
		return Product{}, err
	}
	p.ID = id
	if err := s.repo.UpsertConversion(ctx, UoMConversion{ProductID: id, UoMID: in.BaseUoMID, Factor: 1}); err != nil {
		return Product{}, err
	}
	s.invalidate(ctx, id)
	return p, nil
}

// GetProduct fetches one product.
func (s *Service) GetProduct(ctx context.Context, id int64) (Product, error) {
	return s.repo.GetProduct(ctx, id)
}

// ListProducts lists active products.
func (s *Service) ListProducts(ctx context.Context) ([]Product, error) {
	return s.repo.ListProducts(ctx)
}

// SetConversion registers or updates an alternate-unit factor.
func (s *Service) SetConversion(ctx context.Context, c UoMConversion) error {
	if c.Factor <= 0 {
		return errors.New("masterdata: conversion factor must be positive")
	}
	if _, err := s.repo.GetProduct(ctx, c.ProductID); err != nil {
		return err
	}
	if err := s.repo.UpsertConversion(ctx, c); err != nil {
		return err
	}
	s.invalidate(ctx, c.ProductID)
	return nil
}

// CreateBankAccount registers a company or counterparty account.
func (s *Service) CreateBankAccount(ctx context.Context, in CreateBankAccountInput) (BankAccount, error) {
	if in.Bank == "" || in.AccountNo == "" {
		return BankAccount{}, errors.New("masterdata: bank and account number are required")
	}
	if in.CounterpartyID != nil {
		if _, err := s.repo.GetCounterparty(ctx, *in.CounterpartyID); err != nil {
			return BankAccount{}, err
		}
	}
	a := BankAccount{
		CounterpartyID: in.CounterpartyID,
		Bank:           in.Bank,
		AccountNo:      in.AccountNo,
		Label:          in.Label,
		Active:         true,
		CreatedAt:      time.Now(),
	}
	id, err := s.repo.CreateBankAccount(ctx, a)
	if err != nil {
		return BankAccount{}, err
	}
	a.ID = id
	return a, nil
}

// --- ledger.Directory ---

// CounterpartyExists reports whether an active counterparty exists.
func (s *Service) CounterpartyExists(ctx context.Context, id int64) (bool, error) {
	c, err := s.repo.GetCounterparty(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return c.Active, nil
}

// CompanyAccountExists reports whether an active company-side account
// exists.
func (s *Service) CompanyAccountExists(ctx context.Context, id int64) (bool, error) {
	a, err := s.repo.GetBankAccount(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return a.Active && a.CounterpartyID == nil, nil
}

// CounterpartyAccountExists reports whether an active account exists and
// belongs to the given counterparty.
func (s *Service) CounterpartyAccountExists(ctx context.Context, counterpartyID, id int64) (bool, error) {
	a, err := s.repo.GetBankAccount(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return a.Active && a.CounterpartyID != nil && *a.CounterpartyID == counterpartyID, nil
}

// --- ledger.UnitConverter ---

// ToBase converts qty in the given unit to the product's base unit.
func (s *Service) ToBase(ctx context.Context, productID, uomID int64, qty float64) (float64, error) {
	factor, err := s.repo.GetConversionFactor(ctx, productID, uomID)
	if err != nil {
		return 0, fmt.Errorf("masterdata: convert product %d uom %d: %w", productID, uomID, err)
	}
	return qty * factor, nil
}

func (s *Service) invalidate(ctx context.Context, productID int64) {
	if s.invalidator == nil {
		return
	}
	if err := s.invalidator.InvalidateProduct(ctx, productID); err != nil {
		s.logger.Warn("product cache invalidation failed",
			slog.Int64("product_id", productID), slog.Any("error", err))
	}
}
