package query

import (
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
)

// Collection and field names of the product catalog this builder targets.
const (
	productsCollection   = "products"
	brandsCollection     = "brands"
	categoriesCollection = "categories"

	compatibilityField = "face_shape_compatibility"
	scoreField         = "compatibility_score"
)

// DefaultCompatibilityLimit bounds result sets when the caller passes no
// explicit limit.
const DefaultCompatibilityLimit = int64(20)

// CompatibilityQuery describes a "products compatible with a face shape"
// lookup. Building it yields one aggregation pipeline that filters,
// scores, joins brands and categories, sorts, and limits entirely
// server-side, so one round trip replaces one query per product row.
type CompatibilityQuery struct {
	FaceShape string
	MinScore  float64
	Limit     int64
}

// NewCompatibilityQuery creates a query with defaults applied.
func NewCompatibilityQuery(faceShape string, minScore float64, limit int64) CompatibilityQuery {
	if limit <= 0 {
		limit = DefaultCompatibilityLimit
	}
	return CompatibilityQuery{FaceShape: faceShape, MinScore: minScore, Limit: limit}
}

// Validate performs fail-fast validation of the query parameters.
func (q CompatibilityQuery) Validate() error {
	if q.FaceShape == "" {
		return fmt.Errorf("compatibility query: face shape is required")
	}
	if q.MinScore < 0 || q.MinScore > 1 {
		return fmt.Errorf("compatibility query: min score %v outside [0, 1]", q.MinScore)
	}
	if q.Limit <= 0 {
		return fmt.Errorf("compatibility query: limit must be positive, got %d", q.Limit)
	}
	return nil
}

// CacheKey derives the stable cache key for this query's result, per the
// {logical_query_name}:{params...} convention.
func (q CompatibilityQuery) CacheKey() string {
	return Key("products:compat", q.FaceShape, q.MinScore, q.Limit)
}

// Build compiles the query into a single pipeline. Identical inputs
// produce an identical pipeline, so the cache key derived from the same
// parameters always names the same result shape.
//
// The projection carries every field callers consume (name, brand,
// category, score, price); no follow-up query is ever needed.
func (q CompatibilityQuery) Build() (PipelineSpec, error) {
	if err := q.Validate(); err != nil {
		return PipelineSpec{}, err
	}

	shapeField := compatibilityField + "." + q.FaceShape

	return NewPipelineSpec(
		Stage{Name: "$match", Body: bson.M{
			"status":   "active",
			shapeField: bson.M{"$gte": q.MinScore},
		}},
		Stage{Name: "$addFields", Body: bson.M{
			scoreField: "$" + shapeField,
		}},
		Stage{Name: "$lookup", Body: bson.M{
			"from":         brandsCollection,
			"localField":   "brand_id",
			"foreignField": "_id",
			"as":           "brand",
		}},
		Stage{Name: "$unwind", Body: bson.M{
			"path":                       "$brand",
			"preserveNullAndEmptyArrays": true,
		}},
		Stage{Name: "$lookup", Body: bson.M{
			"from":         categoriesCollection,
			"localField":   "category_id",
			"foreignField": "_id",
			"as":           "category",
		}},
		Stage{Name: "$unwind", Body: bson.M{
			"path":                       "$category",
			"preserveNullAndEmptyArrays": true,
		}},
		Stage{Name: "$project", Body: bson.M{
			"_id":           1,
			"name":          1,
			"sku":           1,
			"price":         1,
			scoreField:      1,
			"brand._id":     1,
			"brand.name":    1,
			"category._id":  1,
			"category.name": 1,
		}},
		// Secondary sort on name keeps ordering deterministic across
		// documents with equal scores.
		Stage{Name: "$sort", Body: bson.D{
			{Key: scoreField, Value: -1},
			{Key: "name", Value: 1},
		}},
		Stage{Name: "$limit", Body: q.Limit},
	).ForCollection(productsCollection), nil
}
