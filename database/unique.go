package database

import "pricewatch/models"

type uniqueRule struct {
	Name       string
	Collection string
	Fields     []string
	Where      Filter
}

// One open (untriggered) subscription per subscriber and product, and one
// catalog entry per product name.
var uniqueRules = []uniqueRule{
	{
		Name:       "idx_alerts_open_unique",
		Collection: models.CollectionSubscriptions,
		Fields:     []string{"email", "product_id"},
		Where:      Filter{Eq("triggered", false)},
	},
	{
		Name:       "idx_products_name_unique",
		Collection: models.CollectionProducts,
		Fields:     []string{"name"},
	},
}
