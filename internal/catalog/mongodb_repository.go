package catalog

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoDBRepository implements Repository using MongoDB.
type MongoDBRepository struct {
	client     *mongo.Client
	collection *mongo.Collection
}

// mongoProduct represents the MongoDB document structure.
type mongoProduct struct {
	ID        string    `bson:"_id"`
	Kind      string    `bson:"kind"`
	Title     string    `bson:"title"`
	Price     int64     `bson:"price"`
	FileID    string    `bson:"fileId"`
	FileName  string    `bson:"fileName"`
	Active    bool      `bson:"active"`
	CreatedAt time.Time `bson:"createdAt"`
	UpdatedAt time.Time `bson:"updatedAt"`
}

// NewMongoDBRepository creates a MongoDB-backed repository.
func NewMongoDBRepository(connectionString, database, collection string) (*MongoDBRepository, error) {
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

	coll := client.Database(database).Collection(collection)

	indexModels := []mongo.IndexModel{
		{Keys: bson.D{{Key: "active", Value: 1}}},
		{Keys: bson.D{{Key: "kind", Value: 1}}},
		{Keys: bson.D{{Key: "createdAt", Value: -1}}},
	}

	if _, err := coll.Indexes().CreateMany(ctx, indexModels); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("create indexes: %w", err)
	}

	return &MongoDBRepository{
		client:     client,
		collection: coll,
	}, nil
}

// GetProduct retrieves an active product by ID.
func (r *MongoDBRepository) GetProduct(ctx context.Context, id string) (Product, error) {
	filter := bson.M{"_id": id, "active": true}

	var mp mongoProduct
	err := r.collection.FindOne(ctx, filter).Decode(&mp)
	if err == mongo.ErrNoDocuments {
		return Product{}, ErrProductNotFound
	}
	if err != nil {
		return Product{}, fmt.Errorf("find product: %w", err)
	}

	return mongoToProduct(mp), nil
}

// ListProducts returns all active products.
func (r *MongoDBRepository) ListProducts(ctx context.Context) ([]Product, error) {
	filter := bson.M{"active": true}
	opts := options.Find().SetSort(bson.D{{Key: "_id", Value: 1}})

	cursor, err := r.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("find products: %w", err)
	}
	defer cursor.Close(ctx)

	var products []Product
	for cursor.Next(ctx) {
		var mp mongoProduct
		if err := cursor.Decode(&mp); err != nil {
			return nil, fmt.Errorf("decode product: %w", err)
		}
		products = append(products, mongoToProduct(mp))
	}

	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("iterate products: %w", err)
	}

	return products, nil
}

// CreateProduct creates a new product.
func (r *MongoDBRepository) CreateProduct(ctx context.Context, p Product) error {
	p.CreatedAt = time.Now()
	p.UpdatedAt = time.Now()

	_, err := r.collection.InsertOne(ctx, productToMongo(p))
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("product already exists: %s", p.ID)
		}
		return fmt.Errorf("insert product: %w", err)
	}

	return nil
}

// UpdateProduct updates an existing product.
func (r *MongoDBRepository) UpdateProduct(ctx context.Context, p Product) error {
	p.UpdatedAt = time.Now()

	filter := bson.M{"_id": p.ID}
	update := bson.M{
		"$set": bson.M{
			"kind":      string(p.Kind),
			"title":     p.Title,
			"price":     p.Price,
			"fileId":    p.FileID,
			"fileName":  p.FileName,
			"active":    p.Active,
			"updatedAt": p.UpdatedAt,
		},
	}

	result, err := r.collection.UpdateOne(ctx, filter, update)
	if err != nil {
		return fmt.Errorf("update product: %w", err)
	}

	if result.MatchedCount == 0 {
		return ErrProductNotFound
	}

	return nil
}

// DeleteProduct soft-deletes a product (sets active = false).
func (r *MongoDBRepository) DeleteProduct(ctx context.Context, id string) error {
	filter := bson.M{"_id": id}
	update := bson.M{
		"$set": bson.M{
			"active":    false,
			"updatedAt": time.Now(),
		},
	}

	result, err := r.collection.UpdateOne(ctx, filter, update)
	if err != nil {
		return fmt.Errorf("delete product: %w", err)
	}

	if result.MatchedCount == 0 {
		return ErrProductNotFound
	}

	return nil
}

// Close closes the MongoDB connection.
func (r *MongoDBRepository) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return r.client.Disconnect(ctx)
}

// mongoToProduct converts a MongoDB document to a Product.
func mongoToProduct(mp mongoProduct) Product {
	return Product{
		ID:        mp.ID,
		Kind:      Kind(mp.Kind),
		Title:     mp.Title,
		Price:     mp.Price,
		FileID:    mp.FileID,
		FileName:  mp.FileName,
		Active:    mp.Active,
		CreatedAt: mp.CreatedAt,
		UpdatedAt: mp.UpdatedAt,
	}
}

// productToMongo converts a Product to a MongoDB document.
func productToMongo(p Product) mongoProduct {
	return mongoProduct{
		ID:        p.ID,
		Kind:      string(p.Kind),
		Title:     p.Title,
		Price:     p.Price,
		FileID:    p.FileID,
		FileName:  p.FileName,
		Active:    p.Active,
		CreatedAt: p.CreatedAt,
		UpdatedAt: p.UpdatedAt,
	}
}
