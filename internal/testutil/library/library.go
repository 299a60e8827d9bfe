// Package library builds an in-memory "library" schema used across package
// tests. It mirrors what introspection returns for the DDL in Schema's doc.
package library

import (
	"context"

	"tidb-prefetch/internal/introspection"
	"tidb-prefetch/internal/junction"
	"tidb-prefetch/internal/naming"
)

// Namespace is the database name of the fixture schema.
const Namespace = "library"

// Options are the field options applied by Schema.
func Options() introspection.FieldOptions {
	return introspection.FieldOptions{
		RelatedNames: map[string]string{
			"books.editor_id": "edited_books",
		},
		NonEditable: map[string][]string{
			"reviews": {"body"},
		},
	}
}

// Schema returns a fresh copy of the fixture with fields derived:
//
//	authors(id PK, name)
//	books(id PK, title, author_id -> authors.id NULL, editor_id -> authors.id NULL)
//	tags(id PK, label)
//	book_tags(book_id -> books.id, tag_id -> tags.id, PK(book_id, tag_id))
//	people(id PK, name)
//	people_friends(from_person_id -> people.id, to_person_id -> people.id, PK both)
//	profiles(id PK, author_id UNIQUE -> authors.id, bio)
//	reviews(id PK, book_id -> books.id, rating, body)
func Schema() *introspection.Schema {
	return SchemaWithOptions(Options())
}

// SchemaWithOptions is Schema with caller-supplied field options.
func SchemaWithOptions(opts introspection.FieldOptions) *introspection.Schema {
	namer := naming.Default()
	schema := &introspection.Schema{Database: Namespace}
	types := naming.NewCollisionResolver(nil)
	for _, t := range tables() {
		t.Namespace = Namespace
		t.ObjectName = namer.UniqueObjectName(types, Namespace, t.Name)
		schema.Tables = append(schema.Tables, t)
	}
	junctions := junction.ClassifyJunctions(schema).ToIntrospectionMap()
	introspection.BuildFields(context.Background(), schema, namer, junctions, opts)
	return schema
}

func id() introspection.Column {
	return introspection.Column{Name: "id", DataType: "bigint", IsPrimaryKey: true, IsAutoIncrement: true}
}

func fk(column, table, constraint string) introspection.ForeignKey {
	return introspection.ForeignKey{
		ColumnName:       column,
		ReferencedTable:  table,
		ReferencedColumn: "id",
		ConstraintName:   constraint,
		OrdinalPosition:  1,
	}
}

func tables() []introspection.Table {
	return []introspection.Table{
		{
			Name: "authors",
			Columns: []introspection.Column{
				id(),
				{Name: "name", DataType: "varchar"},
			},
		},
		{
			Name: "book_tags",
			Columns: []introspection.Column{
				{Name: "book_id", DataType: "bigint", IsPrimaryKey: true},
				{Name: "tag_id", DataType: "bigint", IsPrimaryKey: true},
			},
			ForeignKeys: []introspection.ForeignKey{
				fk("book_id", "books", "book_tags_ibfk_1"),
				fk("tag_id", "tags", "book_tags_ibfk_2"),
			},
		},
		{
			Name: "books",
			Columns: []introspection.Column{
				id(),
				{Name: "title", DataType: "varchar"},
				{Name: "author_id", DataType: "bigint", IsNullable: true},
				{Name: "editor_id", DataType: "bigint", IsNullable: true},
			},
			ForeignKeys: []introspection.ForeignKey{
				fk("author_id", "authors", "books_ibfk_1"),
				fk("editor_id", "authors", "books_ibfk_2"),
			},
		},
		{
			Name: "people",
			Columns: []introspection.Column{
				id(),
				{Name: "name", DataType: "varchar"},
			},
		},
		{
			Name: "people_friends",
			Columns: []introspection.Column{
				{Name: "from_person_id", DataType: "bigint", IsPrimaryKey: true},
				{Name: "to_person_id", DataType: "bigint", IsPrimaryKey: true},
			},
			ForeignKeys: []introspection.ForeignKey{
				fk("from_person_id", "people", "people_friends_ibfk_1"),
				fk("to_person_id", "people", "people_friends_ibfk_2"),
			},
		},
		{
			Name: "profiles",
			Columns: []introspection.Column{
				id(),
				{Name: "author_id", DataType: "bigint"},
				{Name: "bio", DataType: "text"},
			},
			ForeignKeys: []introspection.ForeignKey{
				fk("author_id", "authors", "profiles_ibfk_1"),
			},
			Indexes: []introspection.Index{
				{Name: "author_id", Unique: true, Columns: []string{"author_id"}},
			},
		},
		{
			Name: "reviews",
			Columns: []introspection.Column{
				id(),
				{Name: "book_id", DataType: "bigint"},
				{Name: "rating", DataType: "int"},
				{Name: "body", DataType: "text"},
			},
			ForeignKeys: []introspection.ForeignKey{
				fk("book_id", "books", "reviews_ibfk_1"),
			},
		},
		{
			Name: "tags",
			Columns: []introspection.Column{
				id(),
				{Name: "label", DataType: "varchar"},
			},
		},
	}
}

// DDL creates the fixture tables in a live database.
const DDL = `
CREATE TABLE authors (
  id BIGINT AUTO_INCREMENT PRIMARY KEY,
  name VARCHAR(255) NOT NULL
);
CREATE TABLE books (
  id BIGINT AUTO_INCREMENT PRIMARY KEY,
  title VARCHAR(255) NOT NULL,
  author_id BIGINT NULL,
  editor_id BIGINT NULL,
  CONSTRAINT books_ibfk_1 FOREIGN KEY (author_id) REFERENCES authors (id),
  CONSTRAINT books_ibfk_2 FOREIGN KEY (editor_id) REFERENCES authors (id)
);
CREATE TABLE tags (
  id BIGINT AUTO_INCREMENT PRIMARY KEY,
  label VARCHAR(64) NOT NULL
);
CREATE TABLE book_tags (
  book_id BIGINT NOT NULL,
  tag_id BIGINT NOT NULL,
  PRIMARY KEY (book_id, tag_id),
  CONSTRAINT book_tags_ibfk_1 FOREIGN KEY (book_id) REFERENCES books (id),
  CONSTRAINT book_tags_ibfk_2 FOREIGN KEY (tag_id) REFERENCES tags (id)
);
CREATE TABLE people (
  id BIGINT AUTO_INCREMENT PRIMARY KEY,
  name VARCHAR(255) NOT NULL
);
CREATE TABLE people_friends (
  from_person_id BIGINT NOT NULL,
  to_person_id BIGINT NOT NULL,
  PRIMARY KEY (from_person_id, to_person_id),
  CONSTRAINT people_friends_ibfk_1 FOREIGN KEY (from_person_id) REFERENCES people (id),
  CONSTRAINT people_friends_ibfk_2 FOREIGN KEY (to_person_id) REFERENCES people (id)
);
CREATE TABLE profiles (
  id BIGINT AUTO_INCREMENT PRIMARY KEY,
  author_id BIGINT NOT NULL,
  bio TEXT,
  UNIQUE KEY author_id (author_id),
  CONSTRAINT profiles_ibfk_1 FOREIGN KEY (author_id) REFERENCES authors (id)
);
CREATE TABLE reviews (
  id BIGINT AUTO_INCREMENT PRIMARY KEY,
  book_id BIGINT NOT NULL,
  rating INT NOT NULL,
  body TEXT,
  CONSTRAINT reviews_ibfk_1 FOREIGN KEY (book_id) REFERENCES books (id)
);
`

// Rows seeds the fixture tables created by DDL.
const Rows = `
INSERT INTO authors (id, name) VALUES (1, 'Ann'), (2, 'Bo'), (3, 'Cy');
INSERT INTO books (id, title, author_id, editor_id) VALUES
  (10, 'Dune', 1, 2), (11, 'Emma', 1, NULL), (12, 'Ulysses', 2, 2), (13, 'Anonymous', NULL, NULL);
INSERT INTO tags (id, label) VALUES (100, 'classic'), (101, 'sf');
INSERT INTO book_tags (book_id, tag_id) VALUES (10, 100), (10, 101), (12, 100);
INSERT INTO people (id, name) VALUES (1, 'Dee'), (2, 'Eve');
INSERT INTO people_friends (from_person_id, to_person_id) VALUES (1, 2);
INSERT INTO profiles (id, author_id, bio) VALUES (1, 1, 'Writes sagas');
INSERT INTO reviews (id, book_id, rating, body) VALUES (1, 10, 5, 'Spice'), (2, 10, 4, NULL);
`
