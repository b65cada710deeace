package storage

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/tunglvm/store-server/internal/config"
)

// Default collection names. Overridable through schema mapping config.
const (
	defaultPaymentsCollection     = "payments"
	defaultOrdersCollection       = "orders"
	defaultDeliveriesCollection   = "deliveries"
	defaultEntitlementsCollection = "entitlements"
	defaultOwnershipCollection    = "ownership"
)

// MongoDBStore implements Store using MongoDB.
type MongoDBStore struct {
	client       *mongo.Client
	payments     *mongo.Collection
	orders       *mongo.Collection
	deliveries   *mongo.Collection
	entitlements *mongo.Collection
	ownership    *mongo.Collection
}

type collectionNames struct {
	payments     string
	orders       string
	deliveries   string
	entitlements string
	ownership    string
}

// MongoDBOption customizes store construction.
type MongoDBOption func(*collectionNames)

// WithCollectionNames overrides default collection names from schema mapping
// config. Empty mappings keep the defaults.
func WithCollectionNames(mapping config.SchemaMappingConfig) MongoDBOption {
	return func(names *collectionNames) {
		if v := mapping.Payments.CollectionName; v != "" {
			names.payments = v
		}
		if v := mapping.Orders.CollectionName; v != "" {
			names.orders = v
		}
		if v := mapping.Deliveries.CollectionName; v != "" {
			names.deliveries = v
		}
		if v := mapping.Entitlements.CollectionName; v != "" {
			names.entitlements = v
		}
		if v := mapping.Ownership.CollectionName; v != "" {
			names.ownership = v
		}
	}
}

// mongoPayment is the MongoDB document for a Payment.
type mongoPayment struct {
	Reference       string          `bson:"_id"`
	TransactionCode string          `bson:"transactioncode"`
	BuyerID         string          `bson:"buyerid"`
	Items           []mongoLineItem `bson:"items"`
	Amount          int64           `bson:"amount"`
	Status          string          `bson:"status"`
	Customer        mongoCustomer   `bson:"customer,omitempty"`
	CreatedAt       time.Time       `bson:"createdat"`
	ExpiresAt       time.Time       `bson:"expiresat"`
	PaidAt          *time.Time      `bson:"paidat,omitempty"`
	GatewayTxID     string          `bson:"gatewaytxid,omitempty"`
	RawWebhook      string          `bson:"rawwebhook,omitempty"`
}

type mongoCustomer struct {
	FullName string `bson:"fullname,omitempty"`
	Email    string `bson:"email,omitempty"`
}

type mongoLineItem struct {
	ProductID string `bson:"productid"`
	Kind      string `bson:"kind"`
	Title     string `bson:"title"`
	UnitPrice int64  `bson:"unitprice"`
	Quantity  int    `bson:"quantity"`
}

// mongoOrder is the MongoDB document for an Order.
type mongoOrder struct {
	Reference       string     `bson:"_id"`
	PaymentRef      string     `bson:"paymentref"`
	TransactionCode string     `bson:"transactioncode,omitempty"`
	ItemIndex       int        `bson:"itemindex"`
	BuyerID         string     `bson:"buyerid"`
	ProductID       string     `bson:"productid"`
	Kind            string     `bson:"kind"`
	Title           string     `bson:"title"`
	UnitPrice       int64      `bson:"unitprice"`
	Quantity        int        `bson:"quantity"`
	Amount          int64      `bson:"amount"`
	Status          string     `bson:"status"`
	PaidAt          *time.Time `bson:"paidat,omitempty"`
	CreatedAt       time.Time  `bson:"createdat"`
}

// mongoDelivery is the MongoDB document for a DeliverySnapshot.
type mongoDelivery struct {
	OrderRef       string     `bson:"_id"`
	PaymentRef     string     `bson:"paymentref"`
	BuyerID        string     `bson:"buyerid"`
	ProductID      string     `bson:"productid"`
	FileID         string     `bson:"fileid"`
	FileName       string     `bson:"filename"`
	DownloadCount  int        `bson:"downloadcount"`
	MaxDownloads   int        `bson:"maxdownloads"`
	ExpiresAt      time.Time  `bson:"expiresat"`
	LastDownloadAt *time.Time `bson:"lastdownloadat,omitempty"`
	CreatedAt      time.Time  `bson:"createdat"`
	RepairedAt     *time.Time `bson:"repairedat,omitempty"`
}

// mongoEntitlement is the MongoDB document for an EntitlementRecord.
type mongoEntitlement struct {
	OrderRef    string     `bson:"_id"`
	PaymentRef  string     `bson:"paymentref"`
	BuyerID     string     `bson:"buyerid"`
	ProductID   string     `bson:"productid"`
	ProductName string     `bson:"productname,omitempty"`
	Username    string     `bson:"username,omitempty"`
	Password    string     `bson:"password,omitempty"`
	Email       string     `bson:"email,omitempty"`
	Extra       string     `bson:"extra,omitempty"`
	Notes       string     `bson:"notes,omitempty"`
	ExpiresAt   *time.Time `bson:"expiresat,omitempty"`
	DeliveredAt *time.Time `bson:"deliveredat,omitempty"`
	CreatedAt   time.Time  `bson:"createdat"`
	UpdatedAt   time.Time  `bson:"updatedat"`
}

// mongoOwnership is the MongoDB document for a buyer's owned set.
type mongoOwnership struct {
	BuyerID    string    `bson:"_id"`
	ProductIDs []string  `bson:"productids"`
	UpdatedAt  time.Time `bson:"updatedat"`
}

// NewMongoDBStore creates a MongoDB-backed store and ensures indexes.
func NewMongoDBStore(connectionString, database string, opts ...MongoDBOption) (*MongoDBStore, error) {
	names := collectionNames{
		payments:     defaultPaymentsCollection,
		orders:       defaultOrdersCollection,
		deliveries:   defaultDeliveriesCollection,
		entitlements: defaultEntitlementsCollection,
		ownership:    defaultOwnershipCollection,
	}
	for _, opt := range opts {
		opt(&names)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(connectionString))
	if err != nil {
		return nil, fmt.Errorf("connect to mongodb: %w", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}

	db := client.Database(database)
	store := &MongoDBStore{
		client:       client,
		payments:     db.Collection(names.payments),
		orders:       db.Collection(names.orders),
		deliveries:   db.Collection(names.deliveries),
		entitlements: db.Collection(names.entitlements),
		ownership:    db.Collection(names.ownership),
	}

	if err := store.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("create indexes: %w", err)
	}

	return store, nil
}

func (s *MongoDBStore) ensureIndexes(ctx context.Context) error {
	// The partial unique index on transactioncode keeps two pending payments
	// from sharing a code while letting codes recycle across settled ones.
	paymentIndexes := []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "transactioncode", Value: 1}},
			Options: options.Index().
				SetUnique(true).
				SetPartialFilterExpression(bson.M{"status": string(PaymentStatusPending)}),
		},
		{Keys: bson.D{{Key: "buyerid", Value: 1}, {Key: "createdat", Value: -1}}},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "expiresat", Value: 1}}},
	}
	if _, err := s.payments.Indexes().CreateMany(ctx, paymentIndexes); err != nil {
		return err
	}

	orderIndexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "paymentref", Value: 1}, {Key: "itemindex", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{Keys: bson.D{{Key: "buyerid", Value: 1}, {Key: "createdat", Value: -1}}},
	}
	if _, err := s.orders.Indexes().CreateMany(ctx, orderIndexes); err != nil {
		return err
	}

	entitlementIndexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "paymentref", Value: 1}, {Key: "productid", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
	}
	if _, err := s.entitlements.Indexes().CreateMany(ctx, entitlementIndexes); err != nil {
		return err
	}

	return nil
}

// SavePayment inserts a new pending payment.
func (s *MongoDBStore) SavePayment(ctx context.Context, payment *Payment) error {
	if err := validatePayment(payment); err != nil {
		return err
	}

	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	_, err := s.payments.InsertOne(ctx, paymentToMongo(payment))
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("insert payment: %w", err)
	}
	return nil
}

// GetPayment retrieves a payment by reference.
func (s *MongoDBStore) GetPayment(ctx context.Context, ref PaymentReference) (*Payment, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	var mp mongoPayment
	err := s.payments.FindOne(ctx, bson.M{"_id": string(ref)}).Decode(&mp)
	if err == mongo.ErrNoDocuments {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find payment: %w", err)
	}
	return mongoToPayment(mp), nil
}

// GetPendingPaymentByTransactionCode finds the pending payment for a code.
func (s *MongoDBStore) GetPendingPaymentByTransactionCode(ctx context.Context, code TransactionCode) (*Payment, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	filter := bson.M{
		"transactioncode": string(code),
		"status":          string(PaymentStatusPending),
	}

	var mp mongoPayment
	err := s.payments.FindOne(ctx, filter).Decode(&mp)
	if err == mongo.ErrNoDocuments {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find pending payment: %w", err)
	}
	return mongoToPayment(mp), nil
}

// CompletePayment transitions pending to completed with a status-filtered
// update. MatchedCount zero means another writer settled the payment first.
func (s *MongoDBStore) CompletePayment(ctx context.Context, ref PaymentReference, paidAt time.Time, gatewayTxID string, rawPayload string) error {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	filter := bson.M{
		"_id":    string(ref),
		"status": string(PaymentStatusPending),
	}
	update := bson.M{
		"$set": bson.M{
			"status":      string(PaymentStatusCompleted),
			"paidat":      paidAt,
			"gatewaytxid": gatewayTxID,
			"rawwebhook":  rawPayload,
		},
	}

	result, err := s.payments.UpdateOne(ctx, filter, update)
	if err != nil {
		return fmt.Errorf("complete payment: %w", err)
	}
	if result.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// CancelPayment transitions a pending payment to cancelled.
func (s *MongoDBStore) CancelPayment(ctx context.Context, ref PaymentReference) error {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	filter := bson.M{
		"_id":    string(ref),
		"status": string(PaymentStatusPending),
	}
	update := bson.M{"$set": bson.M{"status": string(PaymentStatusCancelled)}}

	result, err := s.payments.UpdateOne(ctx, filter, update)
	if err != nil {
		return fmt.Errorf("cancel payment: %w", err)
	}
	if result.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// ExpirePendingPayments cancels pending payments past their expiry.
func (s *MongoDBStore) ExpirePendingPayments(ctx context.Context, now time.Time) (int64, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	filter := bson.M{
		"status":    string(PaymentStatusPending),
		"expiresat": bson.M{"$lt": now},
	}
	update := bson.M{"$set": bson.M{"status": string(PaymentStatusCancelled)}}

	result, err := s.payments.UpdateMany(ctx, filter, update)
	if err != nil {
		return 0, fmt.Errorf("expire payments: %w", err)
	}
	return result.ModifiedCount, nil
}

// ListPaymentsByBuyer returns a buyer's payments, newest first.
func (s *MongoDBStore) ListPaymentsByBuyer(ctx context.Context, buyerID string) ([]*Payment, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	opts := options.Find().SetSort(bson.D{{Key: "createdat", Value: -1}})
	cursor, err := s.payments.Find(ctx, bson.M{"buyerid": buyerID}, opts)
	if err != nil {
		return nil, fmt.Errorf("find payments: %w", err)
	}
	defer cursor.Close(ctx)

	var out []*Payment
	for cursor.Next(ctx) {
		var mp mongoPayment
		if err := cursor.Decode(&mp); err != nil {
			return nil, fmt.Errorf("decode payment: %w", err)
		}
		out = append(out, mongoToPayment(mp))
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("iterate payments: %w", err)
	}
	return out, nil
}

// CreateOrder inserts a new order.
func (s *MongoDBStore) CreateOrder(ctx context.Context, order *Order) error {
	if err := validateOrder(order); err != nil {
		return err
	}

	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	_, err := s.orders.InsertOne(ctx, orderToMongo(order))
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

// GetOrder retrieves an order by reference.
func (s *MongoDBStore) GetOrder(ctx context.Context, ref OrderReference) (*Order, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	var mo mongoOrder
	err := s.orders.FindOne(ctx, bson.M{"_id": string(ref)}).Decode(&mo)
	if err == mongo.ErrNoDocuments {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find order: %w", err)
	}
	return mongoToOrder(mo), nil
}

// GetOrderByPaymentItem finds the order for one line item of a payment.
func (s *MongoDBStore) GetOrderByPaymentItem(ctx context.Context, paymentRef PaymentReference, itemIndex int) (*Order, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	filter := bson.M{
		"paymentref": string(paymentRef),
		"itemindex":  itemIndex,
	}

	var mo mongoOrder
	err := s.orders.FindOne(ctx, filter).Decode(&mo)
	if err == mongo.ErrNoDocuments {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find order by payment item: %w", err)
	}
	return mongoToOrder(mo), nil
}

// ListOrdersByPayment returns all orders created from a payment.
func (s *MongoDBStore) ListOrdersByPayment(ctx context.Context, paymentRef PaymentReference) ([]*Order, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	opts := options.Find().SetSort(bson.D{{Key: "itemindex", Value: 1}})
	cursor, err := s.orders.Find(ctx, bson.M{"paymentref": string(paymentRef)}, opts)
	if err != nil {
		return nil, fmt.Errorf("find orders: %w", err)
	}
	defer cursor.Close(ctx)

	var out []*Order
	for cursor.Next(ctx) {
		var mo mongoOrder
		if err := cursor.Decode(&mo); err != nil {
			return nil, fmt.Errorf("decode order: %w", err)
		}
		out = append(out, mongoToOrder(mo))
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("iterate orders: %w", err)
	}
	return out, nil
}

// ListOrdersByBuyer returns a buyer's orders, newest first.
func (s *MongoDBStore) ListOrdersByBuyer(ctx context.Context, buyerID string) ([]*Order, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	opts := options.Find().SetSort(bson.D{{Key: "createdat", Value: -1}})
	cursor, err := s.orders.Find(ctx, bson.M{"buyerid": buyerID}, opts)
	if err != nil {
		return nil, fmt.Errorf("find orders: %w", err)
	}
	defer cursor.Close(ctx)

	var out []*Order
	for cursor.Next(ctx) {
		var mo mongoOrder
		if err := cursor.Decode(&mo); err != nil {
			return nil, fmt.Errorf("decode order: %w", err)
		}
		out = append(out, mongoToOrder(mo))
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("iterate orders: %w", err)
	}
	return out, nil
}

// UpdateOrderStatus sets an order's status.
func (s *MongoDBStore) UpdateOrderStatus(ctx context.Context, ref OrderReference, status OrderStatus) error {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	result, err := s.orders.UpdateOne(ctx,
		bson.M{"_id": string(ref)},
		bson.M{"$set": bson.M{"status": string(status)}},
	)
	if err != nil {
		return fmt.Errorf("update order status: %w", err)
	}
	if result.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateDelivery inserts a delivery snapshot for an order.
func (s *MongoDBStore) CreateDelivery(ctx context.Context, delivery *DeliverySnapshot) error {
	if err := validateDelivery(delivery); err != nil {
		return err
	}

	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	_, err := s.deliveries.InsertOne(ctx, deliveryToMongo(delivery))
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("insert delivery: %w", err)
	}
	return nil
}

// GetDelivery retrieves the delivery snapshot for an order.
func (s *MongoDBStore) GetDelivery(ctx context.Context, orderRef OrderReference) (*DeliverySnapshot, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	var md mongoDelivery
	err := s.deliveries.FindOne(ctx, bson.M{"_id": string(orderRef)}).Decode(&md)
	if err == mongo.ErrNoDocuments {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find delivery: %w", err)
	}
	return mongoToDelivery(md), nil
}

// RecordDownload increments the download count with a guarded update, so
// concurrent downloads can never push the count past the allowance.
func (s *MongoDBStore) RecordDownload(ctx context.Context, orderRef OrderReference) error {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	filter := bson.M{
		"_id":   string(orderRef),
		"$expr": bson.M{"$lt": bson.A{"$downloadcount", "$maxdownloads"}},
	}
	update := bson.M{
		"$inc": bson.M{"downloadcount": 1},
		"$set": bson.M{"lastdownloadat": time.Now()},
	}

	result, err := s.deliveries.UpdateOne(ctx, filter, update)
	if err != nil {
		return fmt.Errorf("record download: %w", err)
	}
	if result.MatchedCount > 0 {
		return nil
	}

	// Nothing matched: the snapshot is either missing or out of quota.
	err = s.deliveries.FindOne(ctx, bson.M{"_id": string(orderRef)}).Err()
	if err == mongo.ErrNoDocuments {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("record download: %w", err)
	}
	return ErrQuotaExceeded
}

// RepairDeliveryFile rewrites the snapshot's file reference.
func (s *MongoDBStore) RepairDeliveryFile(ctx context.Context, orderRef OrderReference, fileID, fileName string) error {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	update := bson.M{
		"$set": bson.M{
			"fileid":     fileID,
			"filename":   fileName,
			"repairedat": time.Now(),
		},
	}

	result, err := s.deliveries.UpdateOne(ctx, bson.M{"_id": string(orderRef)}, update)
	if err != nil {
		return fmt.Errorf("repair delivery: %w", err)
	}
	if result.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateEntitlement inserts an entitlement record for an order.
func (s *MongoDBStore) CreateEntitlement(ctx context.Context, ent *EntitlementRecord) error {
	if err := validateEntitlement(ent); err != nil {
		return err
	}

	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	_, err := s.entitlements.InsertOne(ctx, entitlementToMongo(ent))
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("insert entitlement: %w", err)
	}
	return nil
}

// GetEntitlement retrieves the entitlement record for an order.
func (s *MongoDBStore) GetEntitlement(ctx context.Context, orderRef OrderReference) (*EntitlementRecord, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	var me mongoEntitlement
	err := s.entitlements.FindOne(ctx, bson.M{"_id": string(orderRef)}).Decode(&me)
	if err == mongo.ErrNoDocuments {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find entitlement: %w", err)
	}
	return mongoToEntitlement(me), nil
}

// GetEntitlementByPaymentProduct finds an entitlement by payment and product.
func (s *MongoDBStore) GetEntitlementByPaymentProduct(ctx context.Context, paymentRef PaymentReference, productID string) (*EntitlementRecord, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	filter := bson.M{
		"paymentref": string(paymentRef),
		"productid":  productID,
	}

	var me mongoEntitlement
	err := s.entitlements.FindOne(ctx, filter).Decode(&me)
	if err == mongo.ErrNoDocuments {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find entitlement by payment product: %w", err)
	}
	return mongoToEntitlement(me), nil
}

// UpdateEntitlementCredentials sets the provisioned credential fields.
func (s *MongoDBStore) UpdateEntitlementCredentials(ctx context.Context, orderRef OrderReference, update EntitlementUpdate) error {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	set := bson.M{
		"username":  update.Username,
		"password":  update.Password,
		"email":     update.Email,
		"extra":     update.Extra,
		"notes":     update.Notes,
		"updatedat": time.Now(),
	}
	if update.ExpiresAt != nil {
		set["expiresat"] = *update.ExpiresAt
	}

	result, err := s.entitlements.UpdateOne(ctx, bson.M{"_id": string(orderRef)}, bson.M{"$set": set})
	if err != nil {
		return fmt.Errorf("update entitlement credentials: %w", err)
	}
	if result.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkEntitlementDelivered records the first credential fetch. The filter on
// a missing deliveredat makes later calls no-ops.
func (s *MongoDBStore) MarkEntitlementDelivered(ctx context.Context, orderRef OrderReference, at time.Time) error {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	filter := bson.M{
		"_id":         string(orderRef),
		"deliveredat": bson.M{"$exists": false},
	}
	update := bson.M{
		"$set": bson.M{
			"deliveredat": at,
			"updatedat":   time.Now(),
		},
	}

	result, err := s.entitlements.UpdateOne(ctx, filter, update)
	if err != nil {
		return fmt.Errorf("mark entitlement delivered: %w", err)
	}
	if result.MatchedCount > 0 {
		return nil
	}

	// Either already delivered or missing entirely.
	err = s.entitlements.FindOne(ctx, bson.M{"_id": string(orderRef)}).Err()
	if err == mongo.ErrNoDocuments {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("mark entitlement delivered: %w", err)
	}
	return nil
}

// GrantOwnership adds product ids to a buyer's owned set with an upsert.
// $addToSet keeps the set semantics; repeat grants change nothing.
func (s *MongoDBStore) GrantOwnership(ctx context.Context, buyerID string, productIDs ...string) error {
	if len(productIDs) == 0 {
		return nil
	}

	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	update := bson.M{
		"$addToSet": bson.M{"productids": bson.M{"$each": productIDs}},
		"$set":      bson.M{"updatedat": time.Now()},
	}
	opts := options.Update().SetUpsert(true)

	if _, err := s.ownership.UpdateOne(ctx, bson.M{"_id": buyerID}, update, opts); err != nil {
		return fmt.Errorf("grant ownership: %w", err)
	}
	return nil
}

// GetOwnership returns the buyer's owned product ids.
func (s *MongoDBStore) GetOwnership(ctx context.Context, buyerID string) ([]string, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	var mo mongoOwnership
	err := s.ownership.FindOne(ctx, bson.M{"_id": buyerID}).Decode(&mo)
	if err == mongo.ErrNoDocuments {
		return []string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find ownership: %w", err)
	}
	return mo.ProductIDs, nil
}

// Close disconnects from MongoDB.
func (s *MongoDBStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

func paymentToMongo(p *Payment) mongoPayment {
	items := make([]mongoLineItem, len(p.Items))
	for i, it := range p.Items {
		items[i] = mongoLineItem{
			ProductID: it.ProductID,
			Kind:      it.Kind,
			Title:     it.Title,
			UnitPrice: it.UnitPrice,
			Quantity:  it.Quantity,
		}
	}
	return mongoPayment{
		Reference:       string(p.Reference),
		TransactionCode: string(p.TransactionCode),
		BuyerID:         p.BuyerID,
		Items:           items,
		Amount:          p.Amount,
		Status:          string(p.Status),
		Customer:        mongoCustomer{FullName: p.Customer.FullName, Email: p.Customer.Email},
		CreatedAt:       p.CreatedAt,
		ExpiresAt:       p.ExpiresAt,
		PaidAt:          p.PaidAt,
		GatewayTxID:     p.GatewayTxID,
		RawWebhook:      p.RawWebhook,
	}
}

func mongoToPayment(mp mongoPayment) *Payment {
	items := make([]LineItem, len(mp.Items))
	for i, it := range mp.Items {
		items[i] = LineItem{
			ProductID: it.ProductID,
			Kind:      it.Kind,
			Title:     it.Title,
			UnitPrice: it.UnitPrice,
			Quantity:  it.Quantity,
		}
	}
	return &Payment{
		Reference:       PaymentReference(mp.Reference),
		TransactionCode: TransactionCode(mp.TransactionCode),
		BuyerID:         mp.BuyerID,
		Items:           items,
		Amount:          mp.Amount,
		Status:          PaymentStatus(mp.Status),
		Customer:        CustomerInfo{FullName: mp.Customer.FullName, Email: mp.Customer.Email},
		CreatedAt:       mp.CreatedAt,
		ExpiresAt:       mp.ExpiresAt,
		PaidAt:          mp.PaidAt,
		GatewayTxID:     mp.GatewayTxID,
		RawWebhook:      mp.RawWebhook,
	}
}

func orderToMongo(o *Order) mongoOrder {
	return mongoOrder{
		Reference:       string(o.Reference),
		PaymentRef:      string(o.PaymentRef),
		TransactionCode: string(o.TransactionCode),
		ItemIndex:       o.ItemIndex,
		BuyerID:         o.BuyerID,
		ProductID:       o.ProductID,
		Kind:            o.Kind,
		Title:           o.Title,
		UnitPrice:       o.UnitPrice,
		Quantity:        o.Quantity,
		Amount:          o.Amount,
		Status:          string(o.Status),
		PaidAt:          o.PaidAt,
		CreatedAt:       o.CreatedAt,
	}
}

func mongoToOrder(mo mongoOrder) *Order {
	return &Order{
		Reference:       OrderReference(mo.Reference),
		PaymentRef:      PaymentReference(mo.PaymentRef),
		TransactionCode: TransactionCode(mo.TransactionCode),
		ItemIndex:       mo.ItemIndex,
		BuyerID:         mo.BuyerID,
		ProductID:       mo.ProductID,
		Kind:            mo.Kind,
		Title:           mo.Title,
		UnitPrice:       mo.UnitPrice,
		Quantity:        mo.Quantity,
		Amount:          mo.Amount,
		Status:          OrderStatus(mo.Status),
		PaidAt:          mo.PaidAt,
		CreatedAt:       mo.CreatedAt,
	}
}

func deliveryToMongo(d *DeliverySnapshot) mongoDelivery {
	return mongoDelivery{
		OrderRef:       string(d.OrderRef),
		PaymentRef:     string(d.PaymentRef),
		BuyerID:        d.BuyerID,
		ProductID:      d.ProductID,
		FileID:         d.FileID,
		FileName:       d.FileName,
		DownloadCount:  d.DownloadCount,
		MaxDownloads:   d.MaxDownloads,
		ExpiresAt:      d.ExpiresAt,
		LastDownloadAt: d.LastDownloadAt,
		CreatedAt:      d.CreatedAt,
		RepairedAt:     d.RepairedAt,
	}
}

func mongoToDelivery(md mongoDelivery) *DeliverySnapshot {
	return &DeliverySnapshot{
		OrderRef:       OrderReference(md.OrderRef),
		PaymentRef:     PaymentReference(md.PaymentRef),
		BuyerID:        md.BuyerID,
		ProductID:      md.ProductID,
		FileID:         md.FileID,
		FileName:       md.FileName,
		DownloadCount:  md.DownloadCount,
		MaxDownloads:   md.MaxDownloads,
		ExpiresAt:      md.ExpiresAt,
		LastDownloadAt: md.LastDownloadAt,
		CreatedAt:      md.CreatedAt,
		RepairedAt:     md.RepairedAt,
	}
}

func entitlementToMongo(e *EntitlementRecord) mongoEntitlement {
	return mongoEntitlement{
		OrderRef:    string(e.OrderRef),
		PaymentRef:  string(e.PaymentRef),
		BuyerID:     e.BuyerID,
		ProductID:   e.ProductID,
		ProductName: e.ProductName,
		Username:    e.Username,
		Password:    e.Password,
		Email:       e.Email,
		Extra:       e.Extra,
		Notes:       e.Notes,
		ExpiresAt:   e.ExpiresAt,
		DeliveredAt: e.DeliveredAt,
		CreatedAt:   e.CreatedAt,
		UpdatedAt:   e.UpdatedAt,
	}
}

func mongoToEntitlement(me mongoEntitlement) *EntitlementRecord {
	return &EntitlementRecord{
		OrderRef:    OrderReference(me.OrderRef),
		PaymentRef:  PaymentReference(me.PaymentRef),
		BuyerID:     me.BuyerID,
		ProductID:   me.ProductID,
		ProductName: me.ProductName,
		Username:    me.Username,
		Password:    me.Password,
		Email:       me.Email,
		Extra:       me.Extra,
		Notes:       me.Notes,
		ExpiresAt:   me.ExpiresAt,
		DeliveredAt: me.DeliveredAt,
		CreatedAt:   me.CreatedAt,
		UpdatedAt:   me.UpdatedAt,
	}
}
