// Package planner converts entity queries and relation hops into
// parameterized SQL statements. Filters use the lookup syntax shared with
// prefetch paths ("author__isnull", "title__icontains").
package planner
